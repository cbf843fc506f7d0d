// Package llm defines the generation and fixer collaborator boundary.
// The core treats both as black boxes with unreliable JSON formatting.
package llm

import (
	"context"
)

// Options tunes a single provider call.
type Options struct {
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Provider is the minimal surface the core needs from an LLM backend.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeneratedFile is one file returned by the fixer collaborator.
type GeneratedFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// FixResponse is the LLM fixer's payload after defensive parsing.
type FixResponse struct {
	Files   []GeneratedFile `json:"files"`
	Summary string          `json:"summary,omitempty"`
}

// CodeGenerator produces the files for one planned task. Implementations
// wrap a Provider with prompt construction and response parsing.
type CodeGenerator interface {
	// GenerateFiles returns project-relative path -> content for the task's
	// declared files. existing carries the names of already-generated files
	// so later tasks can reference earlier output.
	GenerateFiles(ctx context.Context, task TaskSpec, requirement string, existing []string) (map[string]string, error)
}

// Fixer asks the LLM to repair a failing build.
type Fixer interface {
	// ProposeFixes takes a capped error summary plus a raw output excerpt and
	// returns whole-file replacements.
	ProposeFixes(ctx context.Context, errorSummary, requirement, rawExcerpt string) (*FixResponse, error)
}

// TaskSpec is the slice of a planned task the generator needs. Kept here so
// llm does not import the planner.
type TaskSpec struct {
	Name        string
	Description string
	Files       []string
}
