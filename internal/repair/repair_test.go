package repair

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/buildcheck"
	"sitesmith/internal/llm"
	"sitesmith/internal/quickfix"
)

// scriptedToolchain returns one scripted build result per Build call and
// records package installs.
type scriptedToolchain struct {
	builds   []buildOutcome
	call     int
	added    []string
	installs int
}

type buildOutcome struct {
	output string
	exit   int
}

func (s *scriptedToolchain) Install(ctx context.Context, dir string) (string, error) {
	s.installs++
	return "", nil
}

func (s *scriptedToolchain) Build(ctx context.Context, dir string) (string, int, error) {
	if s.call >= len(s.builds) {
		return "✓ Compiled successfully", 0, nil
	}
	b := s.builds[s.call]
	s.call++
	return b.output, b.exit, nil
}

func (s *scriptedToolchain) DevCommand(dir string, port int) *exec.Cmd { return nil }

func (s *scriptedToolchain) AddPackage(ctx context.Context, dir, pkg string) (string, error) {
	s.added = append(s.added, pkg)
	return "", nil
}

type scriptedFixer struct {
	calls int
	resp  *llm.FixResponse
	err   error
}

func (f *scriptedFixer) ProposeFixes(ctx context.Context, errorSummary, requirement, rawExcerpt string) (*llm.FixResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newLoop(tc *scriptedToolchain, fixer llm.Fixer) *Loop {
	l := New(buildcheck.New(tc), quickfix.NewEngine(tc), fixer, tc, 3, 4100)
	l.Probe = nil // no runtime probe in unit tests
	return l
}

func TestRunQuickFixThenSuccess(t *testing.T) {
	tc := &scriptedToolchain{builds: []buildOutcome{
		{output: "./src/lib/api.ts:1:1\nModule not found: Can't resolve 'axios'\n", exit: 1},
		{output: "✓ Compiled successfully", exit: 0},
	}}
	fixer := &scriptedFixer{}
	l := newLoop(tc, fixer)

	result, err := l.Run(context.Background(), t.TempDir(), "a shop")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.QuickFixes, 1)
	assert.Equal(t, "install-package", result.QuickFixes[0].Type)
	assert.Equal(t, []string{"axios"}, tc.added)
	assert.Zero(t, fixer.calls, "recognized failures never reach the LLM")
	assert.Zero(t, tc.installs, "a successful repair needs no dev prep")
}

func TestRunEscalatesUnknownErrorToLLM(t *testing.T) {
	dir := t.TempDir()
	tc := &scriptedToolchain{builds: []buildOutcome{
		{output: "./src/app/page.tsx:8:3\nType error: Property 'items' does not exist on type 'Props'.\n", exit: 1},
		{output: "✓ Compiled successfully", exit: 0},
	}}
	fixer := &scriptedFixer{resp: &llm.FixResponse{
		Files: []llm.GeneratedFile{
			{Path: "src/app/page.tsx", Content: "export default function Page() { return null; }\n"},
		},
	}}
	l := newLoop(tc, fixer)

	result, err := l.Run(context.Background(), dir, "a shop")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.LLMFixes)
	assert.Equal(t, 1, fixer.calls)

	data, err := os.ReadFile(filepath.Join(dir, "src/app/page.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "export default function Page")
}

func TestRunExhaustsBudget(t *testing.T) {
	tc := &scriptedToolchain{builds: []buildOutcome{
		{output: "./a.tsx:1:1\nType error: hopeless\n", exit: 1},
		{output: "./a.tsx:1:1\nType error: hopeless\n", exit: 1},
		{output: "./a.tsx:1:1\nType error: hopeless\n", exit: 1},
		{output: "✓ Compiled successfully", exit: 0}, // never reached
	}}
	fixer := &scriptedFixer{err: errors.New("fixer unavailable")}
	l := newLoop(tc, fixer)

	result, err := l.Run(context.Background(), t.TempDir(), "a shop")
	require.NoError(t, err, "an exhausted project is a result, not an error")

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, tc.call, "budget bounds the validation count")
	assert.Contains(t, result.Message, "exhausted")
	assert.Equal(t, 1, tc.installs, "exhaustion triggers dev prep exactly once")
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "hopeless")
}

func TestRunFailedRuntimeProbeReentersLoop(t *testing.T) {
	tc := &scriptedToolchain{builds: []buildOutcome{
		{output: "✓ Compiled successfully", exit: 0},
		{output: "✓ Compiled successfully", exit: 0},
	}}
	fixer := &scriptedFixer{}
	l := newLoop(tc, fixer)

	probeCalls := 0
	l.Probe = func(projectPath string) (*buildcheck.ProbeResult, error) {
		probeCalls++
		if probeCalls == 1 {
			return &buildcheck.ProbeResult{
				Success:   false,
				Signature: "as a PostCSS plugin",
				Output:    "Error: It looks like you're trying to use `tailwindcss` directly as a PostCSS plugin.",
			}, nil
		}
		return &buildcheck.ProbeResult{Success: true}, nil
	}

	result, err := l.Run(context.Background(), t.TempDir(), "a shop")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.QuickFixes, 1)
	assert.Equal(t, "tailwind-postcss", result.QuickFixes[0].Type)
	assert.Equal(t, []string{"@tailwindcss/postcss"}, tc.added)
}

func TestPreCleanResolvesLockfileConflict(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yarn.lock"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte("{}"), 0o644))

	tc := &scriptedToolchain{}
	l := newLoop(tc, &scriptedFixer{})
	l.preClean(dir)

	assert.FileExists(t, filepath.Join(dir, "yarn.lock"))
	_, err := os.Stat(filepath.Join(dir, "package-lock.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPreCleanRestoresGlobalsImport(t *testing.T) {
	dir := t.TempDir()
	appDir := filepath.Join(dir, "src", "app")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "globals.css"), []byte("@import \"tailwindcss\";\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "layout.tsx"),
		[]byte("export default function Layout({ children }) { return children; }\n"), 0o644))

	tc := &scriptedToolchain{}
	l := newLoop(tc, &scriptedFixer{})
	l.preClean(dir)

	data, err := os.ReadFile(filepath.Join(appDir, "layout.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `import "./globals.css";`)
}

func TestRunRejectsEscapingFix(t *testing.T) {
	tc := &scriptedToolchain{builds: []buildOutcome{
		{output: "./a.tsx:1:1\nType error: hopeless\n", exit: 1},
	}}
	fixer := &scriptedFixer{resp: &llm.FixResponse{
		Files: []llm.GeneratedFile{{Path: "../../etc/passwd", Content: "x"}},
	}}
	l := New(buildcheck.New(tc), quickfix.NewEngine(tc), fixer, tc, 1, 4100)
	l.Probe = nil

	result, err := l.Run(context.Background(), t.TempDir(), "a shop")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Zero(t, result.LLMFixes, "a rejected fix does not count as applied")
}
