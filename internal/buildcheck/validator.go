// Package buildcheck - Build Validator
// Runs a project's build command, classifies the outcome, and extracts
// structured compile errors from the raw output.
package buildcheck

import (
	"context"
	"strings"

	"sitesmith/internal/logging"
	"sitesmith/internal/toolchain"
)

// MaxCompileErrors caps extraction so LLM-fixer prompts stay bounded.
const MaxCompileErrors = 20

// CompileError is one extracted error location.
type CompileError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// BuildResult is the immutable outcome of one validator invocation.
type BuildResult struct {
	Success   bool           `json:"success"`
	ExitCode  int            `json:"exit_code"`
	RawOutput string         `json:"raw_output"`
	Errors    []CompileError `json:"errors"`
}

// failureMarkers flag a failed build even when the toolchain exits zero.
// Some bundlers swallow errors and report success anyway.
var failureMarkers = []string{
	"Failed to compile",
	"Build failed",
	"Build error occurred",
	"error TS",
	"Module not found",
	"Syntax Error",
	"Unhandled Runtime Error",
}

// Validator wraps a toolchain's build command with output classification.
type Validator struct {
	tc toolchain.Toolchain
}

// New creates a validator over the given toolchain.
func New(tc toolchain.Toolchain) *Validator {
	return &Validator{tc: tc}
}

// Run builds the project and classifies the result. A nil error with
// Success=false is the normal "build failed" outcome; the returned error is
// reserved for the build command being unable to run at all.
func (v *Validator) Run(ctx context.Context, projectPath string) (*BuildResult, error) {
	output, exitCode, err := v.tc.Build(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{
		ExitCode:  exitCode,
		RawOutput: output,
	}
	result.Success = exitCode == 0 && !containsFailureMarker(output)
	if !result.Success {
		result.Errors = ExtractErrors(output)
	}

	logging.S().Infof("BuildValidator: %s exit=%d success=%v errors=%d",
		projectPath, exitCode, result.Success, len(result.Errors))
	return result, nil
}

func containsFailureMarker(output string) bool {
	for _, marker := range failureMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
