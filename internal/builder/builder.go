// Package builder - Pipeline Orchestration
// Ties the stages together: plan the requirement, generate code per task,
// validate and repair, then hand the project to the supervisor and record
// the run.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitesmith/internal/generate"
	"sitesmith/internal/history"
	"sitesmith/internal/impact"
	"sitesmith/internal/logging"
	"sitesmith/internal/metrics"
	"sitesmith/internal/planner"
	"sitesmith/internal/repair"
	"sitesmith/internal/state"
	"sitesmith/internal/websocket"
)

// Terminal build statuses, also the builds_total metric label values.
const (
	StatusSuccess   = "success"
	StatusRepaired  = "repaired"
	StatusExhausted = "exhausted"
	StatusError     = "error"
)

// Supervisor is the slice of the process supervisor the builder needs.
type Supervisor interface {
	Start(ctx context.Context, name, projectPath string) (state.Record, error)
	Stop(name string) error
	Get(name string) (state.Record, bool)
}

// Broadcaster pushes progress events to subscribers. Nil-safe via noopHub.
type Broadcaster interface {
	Broadcast(project, msgType string, data interface{})
}

// BuildReport is the caller-facing outcome of one build pipeline.
type BuildReport struct {
	Project    string           `json:"project"`
	Status     string           `json:"status"`
	Generation *generate.Result `json:"generation,omitempty"`
	Repair     *repair.Result   `json:"repair,omitempty"`
	Preview    *state.Record    `json:"preview,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// UpdateReport is the outcome of an incremental update.
type UpdateReport struct {
	Project    string           `json:"project"`
	Status     string           `json:"status"`
	Decision   impact.Decision  `json:"decision"`
	Generation *generate.Result `json:"generation,omitempty"`
	Repair     *repair.Result   `json:"repair,omitempty"`
	Preview    *state.Record    `json:"preview,omitempty"`
}

// Builder owns one workspace of projects.
type Builder struct {
	workspace string
	planner   *planner.Planner
	executor  *generate.Executor
	loop      *repair.Loop
	sup       Supervisor
	hist      *history.Store
	hub       Broadcaster
}

// New assembles the pipeline. hist and hub may be nil.
func New(workspace string, pl *planner.Planner, ex *generate.Executor, loop *repair.Loop, sup Supervisor, hist *history.Store, hub Broadcaster) *Builder {
	if hub == nil {
		hub = noopHub{}
	}
	return &Builder{
		workspace: workspace,
		planner:   pl,
		executor:  ex,
		loop:      loop,
		sup:       sup,
		hist:      hist,
		hub:       hub,
	}
}

// Build runs the full pipeline for a project. The error return covers
// infrastructure failures only; a project the repair loop gave up on comes
// back as a StatusExhausted report.
func (b *Builder) Build(ctx context.Context, project, requirement string) (*BuildReport, error) {
	start := time.Now()
	projectPath, err := b.projectPath(project)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(projectPath, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	logging.S().Infof("Builder: building %q in %s", project, projectPath)
	b.hub.Broadcast(project, websocket.MessageTypeBuildStarted, map[string]interface{}{
		"requirement_bytes": len(requirement),
	})
	// Per-build copy so concurrent builds of different projects each get
	// their own progress callback; the rate limiter stays shared.
	executor := *b.executor
	executor.Progress = func(o generate.TaskOutcome) {
		b.hub.Broadcast(project, websocket.MessageTypeTaskProgress, o)
	}

	report := &BuildReport{Project: project}
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		metrics.BuildsTotal.WithLabelValues(report.Status).Inc()
		metrics.BuildDurationSeconds.Observe(time.Since(start).Seconds())
		b.hub.Broadcast(project, websocket.MessageTypeBuildFinished, report)
		b.recordHistory(project, requirement, report, time.Since(start))
	}()

	tasks, err := b.planner.Plan(ctx, requirement)
	if err != nil {
		report.Status = StatusError
		return report, fmt.Errorf("planning: %w", err)
	}

	genResult, err := executor.Execute(ctx, projectPath, requirement, tasks)
	report.Generation = genResult
	if err != nil {
		report.Status = StatusError
		return report, fmt.Errorf("generation: %w", err)
	}

	loop := *b.loop
	loop.OnAttempt = func(attempt int) {
		b.hub.Broadcast(project, websocket.MessageTypeRepairAttempt, map[string]int{"attempt": attempt})
	}
	repairResult, err := loop.Run(ctx, projectPath, requirement)
	report.Repair = repairResult
	if err != nil {
		report.Status = StatusError
		return report, fmt.Errorf("repair: %w", err)
	}
	if !repairResult.Success {
		report.Status = StatusExhausted
		return report, nil
	}
	if repairResult.Attempts > 1 || len(repairResult.QuickFixes) > 0 || repairResult.LLMFixes > 0 {
		report.Status = StatusRepaired
	} else {
		report.Status = StatusSuccess
	}

	rec, err := b.sup.Start(ctx, project, projectPath)
	if err != nil {
		// Built fine but could not serve; the report says so, the build is
		// not retroactively a failure.
		logging.S().Errorf("Builder: start after build failed: %v", err)
		return report, nil
	}
	report.Preview = &rec
	return report, nil
}

// Update applies an incremental instruction to an existing project. Small
// content-only changes skip revalidation and ride the dev server's hot
// reload; everything else goes through the full repair loop.
func (b *Builder) Update(ctx context.Context, project, instruction string) (*UpdateReport, error) {
	projectPath, err := b.projectPath(project)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(projectPath); err != nil {
		return nil, fmt.Errorf("project %q has no workspace: %w", project, err)
	}

	tasks, err := b.planner.Plan(ctx, instruction)
	if err != nil {
		return nil, fmt.Errorf("update planning: %w", err)
	}

	before := snapshotFiles(projectPath, tasks)
	executor := *b.executor
	executor.Progress = func(o generate.TaskOutcome) {
		b.hub.Broadcast(project, websocket.MessageTypeTaskProgress, o)
	}
	genResult, err := executor.Execute(ctx, projectPath, instruction, tasks)
	if err != nil {
		return nil, fmt.Errorf("update generation: %w", err)
	}

	report := &UpdateReport{Project: project, Generation: genResult}
	report.Decision = impact.Classify(diffChanges(projectPath, genResult.Files, before))

	if report.Decision.Action == impact.ActionSkip {
		report.Status = StatusSuccess
		if rec, ok := b.sup.Get(project); ok {
			report.Preview = &rec
		}
		logging.S().Infof("Builder: update to %q skipped revalidation: %s", project, report.Decision.Reason)
		return report, nil
	}

	loop := *b.loop
	loop.OnAttempt = func(attempt int) {
		b.hub.Broadcast(project, websocket.MessageTypeRepairAttempt, map[string]int{"attempt": attempt})
	}
	repairResult, err := loop.Run(ctx, projectPath, instruction)
	report.Repair = repairResult
	if err != nil {
		report.Status = StatusError
		return report, fmt.Errorf("update repair: %w", err)
	}
	if !repairResult.Success {
		report.Status = StatusExhausted
		return report, nil
	}
	report.Status = StatusSuccess

	// Restart to pick the rebuilt tree up from clean caches.
	if _, running := b.sup.Get(project); running {
		if err := b.sup.Stop(project); err != nil {
			logging.S().Warnf("Builder: stop before restart: %v", err)
		}
	}
	rec, err := b.sup.Start(ctx, project, projectPath)
	if err != nil {
		logging.S().Errorf("Builder: restart after update failed: %v", err)
		return report, nil
	}
	report.Preview = &rec
	return report, nil
}

func (b *Builder) projectPath(project string) (string, error) {
	if project == "" || strings.ContainsAny(project, "/\\") || strings.Contains(project, "..") {
		return "", fmt.Errorf("invalid project name %q", project)
	}
	return filepath.Join(b.workspace, project), nil
}

func (b *Builder) recordHistory(project, requirement string, report *BuildReport, elapsed time.Duration) {
	if b.hist == nil {
		return
	}
	rec := &history.BuildRecord{
		ProjectName: project,
		Requirement: requirement,
		Status:      report.Status,
		DurationMS:  elapsed.Milliseconds(),
	}
	if report.Generation != nil {
		rec.TasksTotal = report.Generation.Total
		rec.TasksFailed = report.Generation.Failed
		rec.FileCount = report.Generation.GeneratedFileCount
	}
	if report.Repair != nil {
		rec.Attempts = report.Repair.Attempts
		for _, f := range report.Repair.QuickFixes {
			rec.Fixes = append(rec.Fixes, history.FixRecord{
				Kind:        f.Type,
				Target:      f.Target,
				Description: f.Description,
			})
		}
		for i := 0; i < report.Repair.LLMFixes; i++ {
			rec.Fixes = append(rec.Fixes, history.FixRecord{
				Kind:        "llm",
				Description: "LLM-proposed file rewrite",
			})
		}
	}
	if err := b.hist.Record(rec); err != nil {
		logging.S().Errorf("Builder: record history: %v", err)
	}
}

// snapshotFiles captures the pre-update content of every file the plan will
// touch, for the change diff.
func snapshotFiles(projectPath string, tasks []planner.Task) map[string]string {
	before := map[string]string{}
	for _, t := range tasks {
		for _, rel := range t.Files {
			data, err := os.ReadFile(filepath.Join(projectPath, rel))
			if err != nil {
				continue
			}
			before[rel] = string(data)
		}
	}
	return before
}

// diffChanges reduces written files to impact.Change values: the added lines
// are those present in the new content but not the snapshot.
func diffChanges(projectPath string, files []string, before map[string]string) []impact.Change {
	var changes []impact.Change
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(projectPath, rel))
		if err != nil {
			continue
		}
		oldLines := map[string]bool{}
		for _, line := range strings.Split(before[rel], "\n") {
			oldLines[strings.TrimSpace(line)] = true
		}
		var added []string
		for _, line := range strings.Split(string(data), "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !oldLines[trimmed] {
				added = append(added, line)
			}
		}
		if len(added) == 0 {
			continue
		}
		changes = append(changes, impact.Change{
			Path:       rel,
			LinesAdded: len(added),
			Content:    strings.Join(added, "\n"),
		})
	}
	return changes
}

type noopHub struct{}

func (noopHub) Broadcast(string, string, interface{}) {}
