// Package generate - Task Executor
// Runs a planned task list against the code generator, writes the returned
// files into the project workspace, and keeps going when individual tasks
// fail so one bad generation never kills the whole build.
package generate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sitesmith/internal/llm"
	"sitesmith/internal/logging"
	"sitesmith/internal/planner"
)

// TaskOutcome records one task's execution.
type TaskOutcome struct {
	TaskID   string   `json:"task_id"`
	TaskName string   `json:"task_name"`
	Success  bool     `json:"success"`
	Files    []string `json:"files,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Result summarizes a full executor run.
type Result struct {
	Total              int           `json:"total"`
	Successful         int           `json:"successful"`
	Failed             int           `json:"failed"`
	GeneratedFileCount int           `json:"generated_file_count"`
	Outcomes           []TaskOutcome `json:"outcomes"`
	Files              []string      `json:"files"`
}

// Executor drives generation task-by-task in priority order.
type Executor struct {
	gen     llm.CodeGenerator
	limiter *rate.Limiter

	// Progress, when set, observes each task outcome as it lands.
	Progress func(TaskOutcome)
}

// NewExecutor creates an executor. delay paces provider calls between tasks;
// zero disables pacing.
func NewExecutor(gen llm.CodeGenerator, delay time.Duration) *Executor {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return &Executor{gen: gen, limiter: limiter}
}

// Execute runs every task in order. Task failures are recorded and skipped
// over; the returned error is reserved for context cancellation.
func (e *Executor) Execute(ctx context.Context, projectPath, requirement string, tasks []planner.Task) (*Result, error) {
	result := &Result{Total: len(tasks)}
	generated := map[string]string{} // path -> content, grows monotonically
	record := func(o TaskOutcome) {
		result.Outcomes = append(result.Outcomes, o)
		if e.Progress != nil {
			e.Progress(o)
		}
	}

	for i, task := range tasks {
		if err := e.limiter.Wait(ctx); err != nil {
			return result, err
		}

		logging.S().Infof("Executor: task %d/%d %q (%d files)",
			i+1, len(tasks), task.Name, len(task.Files))

		outcome := TaskOutcome{TaskID: task.ID, TaskName: task.Name}
		files, err := e.gen.GenerateFiles(ctx, llm.TaskSpec{
			Name:        task.Name,
			Description: task.Description,
			Files:       task.Files,
		}, requirement, sortedPaths(generated))
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			outcome.Error = err.Error()
			result.Failed++
			record(outcome)
			logging.S().Errorf("Executor: task %q failed: %v", task.Name, err)
			continue
		}

		wrote, err := writeFiles(projectPath, files, generated)
		if err != nil {
			outcome.Error = err.Error()
			result.Failed++
			record(outcome)
			logging.S().Errorf("Executor: task %q write failed: %v", task.Name, err)
			continue
		}

		for f, content := range wrote {
			generated[f] = content
		}
		outcome.Success = true
		outcome.Files = sortedPaths(wrote)
		result.Successful++
		record(outcome)
	}

	result.Files = sortedPaths(generated)
	result.GeneratedFileCount = len(result.Files)
	logging.S().Infof("Executor: done, %d/%d tasks succeeded, %d files",
		result.Successful, result.Total, result.GeneratedFileCount)
	return result, nil
}

// writeFiles persists generated contents, normalizing each file through the
// source post-pass first. Paths are confined to the project root. existing
// carries earlier tasks' output so component imports can be resolved against
// it; files from the same task count as candidates too.
func writeFiles(projectPath string, files, existing map[string]string) (map[string]string, error) {
	candidates := make(map[string]string, len(existing)+len(files))
	for p, c := range existing {
		candidates[p] = c
	}
	for rel, content := range files {
		candidates[filepath.Clean(strings.TrimPrefix(rel, "./"))] = content
	}

	wrote := make(map[string]string, len(files))
	for rel, content := range files {
		rel = filepath.Clean(strings.TrimPrefix(rel, "./"))
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return wrote, fmt.Errorf("generated file escapes project root: %q", rel)
		}
		norm := Normalize(rel, content)
		norm = EnsureComponentImports(rel, norm, candidates)
		abs := filepath.Join(projectPath, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return wrote, err
		}
		if err := os.WriteFile(abs, []byte(norm), 0o644); err != nil {
			return wrote, err
		}
		wrote[rel] = norm
	}
	return wrote, nil
}

func sortedPaths(m map[string]string) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
