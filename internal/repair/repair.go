// Package repair - Bounded Repair Loop
// Drives the validate -> fix -> revalidate cycle after generation. The loop
// prefers deterministic quick fixes, escalates unrecognized failures to the
// LLM fixer, and always terminates within a fixed attempt budget.
package repair

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitesmith/internal/buildcheck"
	"sitesmith/internal/llm"
	"sitesmith/internal/logging"
	"sitesmith/internal/metrics"
	"sitesmith/internal/quickfix"
	"sitesmith/internal/toolchain"
)

// devPrepTimeout bounds the install that leaves an exhausted project in a
// startable state.
const devPrepTimeout = 30 * time.Second

// Phase names the loop's states, used in logs and the result message.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseQuickFix   Phase = "quick_fix"
	PhaseLLMFix     Phase = "llm_fix"
	PhaseSuccess    Phase = "success"
	PhaseExhausted  Phase = "exhausted"
)

// Result is the loop's terminal report.
type Result struct {
	Success    bool                      `json:"success"`
	Attempts   int                       `json:"attempts"`
	QuickFixes []quickfix.Fix            `json:"quick_fixes,omitempty"`
	LLMFixes   int                       `json:"llm_fixes"`
	Errors     []buildcheck.CompileError `json:"errors,omitempty"`
	Message    string                    `json:"message"`
}

// Loop owns one repair run's collaborators.
type Loop struct {
	validator   *buildcheck.Validator
	engine      *quickfix.Engine
	fixer       llm.Fixer
	tc          toolchain.Toolchain
	maxAttempts int
	probePort   int

	// Probe is the runtime check after a clean static build, injectable so
	// tests don't spawn dev servers. nil skips the runtime probe.
	Probe func(projectPath string) (*buildcheck.ProbeResult, error)

	// OnAttempt, when set, observes each attempt as it starts.
	OnAttempt func(attempt int)
}

// New assembles a repair loop. maxAttempts is the shared budget across quick
// fixes and LLM fixes.
func New(validator *buildcheck.Validator, engine *quickfix.Engine, fixer llm.Fixer, tc toolchain.Toolchain, maxAttempts, probeBasePort int) *Loop {
	l := &Loop{
		validator:   validator,
		engine:      engine,
		fixer:       fixer,
		tc:          tc,
		maxAttempts: maxAttempts,
		probePort:   probeBasePort,
	}
	l.Probe = func(projectPath string) (*buildcheck.ProbeResult, error) {
		return validator.ProbeRuntime(projectPath, probeBasePort)
	}
	return l
}

// Run executes the loop until the project validates or the budget runs out.
// The returned error covers only infrastructure failures (toolchain missing,
// context cancelled); a broken-but-diagnosed project is a Success=false
// result, not an error.
func (l *Loop) Run(ctx context.Context, projectPath, requirement string) (*Result, error) {
	l.preClean(projectPath)

	result := &Result{}
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		result.Attempts = attempt
		metrics.RepairAttemptsTotal.Inc()
		if l.OnAttempt != nil {
			l.OnAttempt(attempt)
		}
		logging.S().Infof("RepairLoop: attempt %d/%d (%s)", attempt, l.maxAttempts, PhaseValidating)

		build, err := l.validator.Run(ctx, projectPath)
		if err != nil {
			return result, fmt.Errorf("validation could not run: %w", err)
		}

		if build.Success {
			probeFailed, probeResult := l.runProbe(projectPath)
			if !probeFailed {
				result.Success = true
				result.Message = string(PhaseSuccess)
				logging.S().Infof("RepairLoop: validated after %d attempt(s)", attempt)
				return result, nil
			}
			// Feed the runtime failure back through the same fix path.
			build = &buildcheck.BuildResult{
				RawOutput: probeResult.Output,
				Errors:    buildcheck.ExtractErrors(probeResult.Output),
			}
			if len(build.Errors) == 0 && probeResult.Signature != "" {
				build.Errors = []buildcheck.CompileError{{Message: probeResult.Signature}}
			}
		}

		result.Errors = build.Errors

		fixes, err := l.engine.Apply(ctx, projectPath, build)
		if err != nil {
			return result, fmt.Errorf("quick fix failed: %w", err)
		}
		if len(fixes) > 0 {
			logging.S().Infof("RepairLoop: attempt %d applied %d quick fix(es) (%s)", attempt, len(fixes), PhaseQuickFix)
			result.QuickFixes = append(result.QuickFixes, fixes...)
			continue
		}

		if err := l.applyLLMFix(ctx, projectPath, requirement, build); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logging.S().Errorf("RepairLoop: attempt %d LLM fix failed: %v", attempt, err)
			continue
		}
		result.LLMFixes++
	}

	l.devPrep(projectPath)
	result.Message = fmt.Sprintf("%s after %d attempts", PhaseExhausted, result.Attempts)
	logging.S().Warnf("RepairLoop: %s", result.Message)
	return result, nil
}

func (l *Loop) runProbe(projectPath string) (failed bool, probeResult *buildcheck.ProbeResult) {
	if l.Probe == nil {
		return false, nil
	}
	pr, err := l.Probe(projectPath)
	if err != nil {
		// Probe infrastructure failure is not the project's fault.
		logging.S().Warnf("RepairLoop: runtime probe skipped: %v", err)
		return false, nil
	}
	if pr.Success {
		return false, nil
	}
	logging.S().Warnf("RepairLoop: runtime probe failed: %s", pr.Signature)
	return true, pr
}

func (l *Loop) applyLLMFix(ctx context.Context, projectPath, requirement string, build *buildcheck.BuildResult) error {
	logging.S().Infof("RepairLoop: escalating %d error(s) to LLM fixer (%s)", len(build.Errors), PhaseLLMFix)
	metrics.LLMFixRequestsTotal.Inc()

	summary := buildcheck.Summarize(build.Errors, buildcheck.MaxCompileErrors)
	excerpt := build.RawOutput
	if len(excerpt) > 4000 {
		excerpt = excerpt[len(excerpt)-4000:]
	}

	resp, err := l.fixer.ProposeFixes(ctx, summary, requirement, excerpt)
	if err != nil {
		return err
	}
	if len(resp.Files) == 0 {
		return fmt.Errorf("fixer returned no files")
	}

	for _, f := range resp.Files {
		rel := filepath.Clean(strings.TrimPrefix(f.Path, "./"))
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return fmt.Errorf("fix escapes project root: %q", f.Path)
		}
		abs := filepath.Join(projectPath, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(f.Content), 0o644); err != nil {
			return err
		}
		logging.S().Infof("RepairLoop: fixer rewrote %s", rel)
	}
	return nil
}

// preClean removes the known sources of stale-state failures before the
// first validation: build caches, conflicting lockfiles, and a layout that
// forgot its stylesheet.
func (l *Loop) preClean(projectPath string) {
	clearCaches(projectPath)

	// Two lockfiles make the package manager detection ambiguous; yarn.lock
	// wins because the generator scaffolds with yarn.
	yarnLock := filepath.Join(projectPath, "yarn.lock")
	npmLock := filepath.Join(projectPath, "package-lock.json")
	if fileExists(yarnLock) && fileExists(npmLock) {
		logging.S().Infof("RepairLoop: removing conflicting package-lock.json")
		_ = os.Remove(npmLock)
	}

	ensureGlobalsImport(projectPath)
}

// ensureGlobalsImport re-adds the globals.css import when a regenerated
// layout dropped it; without it every page renders unstyled.
func ensureGlobalsImport(projectPath string) {
	layoutPath := filepath.Join(projectPath, "src", "app", "layout.tsx")
	data, err := os.ReadFile(layoutPath)
	if err != nil {
		return
	}
	content := string(data)
	if strings.Contains(content, "globals.css") {
		return
	}
	if !fileExists(filepath.Join(projectPath, "src", "app", "globals.css")) {
		return
	}
	logging.S().Infof("RepairLoop: restoring globals.css import in layout")
	_ = os.WriteFile(layoutPath, []byte("import \"./globals.css\";\n"+content), 0o644)
}

// devPrep leaves an exhausted project startable: caches cleared and
// dependencies installed, bounded so a hung registry can't stall the
// pipeline.
func (l *Loop) devPrep(projectPath string) {
	clearCaches(projectPath)
	ctx, cancel := context.WithTimeout(context.Background(), devPrepTimeout)
	defer cancel()
	if out, err := l.tc.Install(ctx, projectPath); err != nil {
		logging.S().Warnf("RepairLoop: dev prep install failed: %v: %s", err, firstLine(out))
	}
}

func clearCaches(projectPath string) {
	for _, dir := range []string{".next", filepath.Join("node_modules", ".cache")} {
		_ = os.RemoveAll(filepath.Join(projectPath, dir))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
