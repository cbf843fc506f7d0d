package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sitesmith/internal/logging"
)

// PromptGenerator implements CodeGenerator and Fixer on top of a Provider.
type PromptGenerator struct {
	provider Provider
}

// NewPromptGenerator wraps a provider with sitesmith's prompt construction.
func NewPromptGenerator(provider Provider) *PromptGenerator {
	return &PromptGenerator{provider: provider}
}

// GenerateFiles implements CodeGenerator.
func (g *PromptGenerator) GenerateFiles(ctx context.Context, task TaskSpec, requirement string, existing []string) (map[string]string, error) {
	prompt := fmt.Sprintf(`Generate the code files for this task of a Next.js project.

REQUIREMENT:
%s

TASK: %s
%s

FILES TO PRODUCE:
%s

ALREADY GENERATED (reference these, do not regenerate):
%s

Output ONLY valid JSON in this exact format (no markdown, no explanation):
{"files": {"path/to/file.tsx": "<complete file content>"}}`,
		requirement, task.Name, task.Description,
		strings.Join(task.Files, "\n"), strings.Join(existing, "\n"))

	response, err := g.provider.Generate(ctx, prompt, Options{
		MaxTokens:    8000,
		Temperature:  0.3,
		SystemPrompt: "You are a senior web engineer. Produce complete, working files and output valid JSON only.",
	})
	if err != nil {
		return nil, err
	}

	payload, err := ExtractJSONObject(response)
	if err != nil {
		return nil, fmt.Errorf("generation response: %w", err)
	}
	return DecodeFileMap(payload)
}

// ProposeFixes implements Fixer.
func (g *PromptGenerator) ProposeFixes(ctx context.Context, errorSummary, requirement, rawExcerpt string) (*FixResponse, error) {
	prompt := fmt.Sprintf(`The project build is failing. Provide corrected whole files.

REQUIREMENT CONTEXT:
%s

ERRORS:
%s

RAW BUILD OUTPUT (excerpt):
%s

Output ONLY valid JSON:
{"files": [{"path": "src/...", "content": "<complete corrected file>", "description": "what changed"}], "summary": "one line"}`,
		requirement, errorSummary, rawExcerpt)

	response, err := g.provider.Generate(ctx, prompt, Options{
		MaxTokens:    8000,
		Temperature:  0.2,
		SystemPrompt: "You are a build-error fixer. Return complete corrected files as valid JSON only.",
	})
	if err != nil {
		return nil, err
	}

	payload, err := ExtractJSONObject(response)
	if err != nil {
		logging.S().Warnf("Fixer: unparseable response (%d bytes): %v", len(response), err)
		return nil, fmt.Errorf("fixer response: %w", err)
	}

	var fixes FixResponse
	if err := json.Unmarshal([]byte(payload), &fixes); err != nil {
		return nil, fmt.Errorf("decode fixer response: %w", err)
	}
	return &fixes, nil
}
