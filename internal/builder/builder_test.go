package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesmith/internal/buildcheck"
	"sitesmith/internal/generate"
	"sitesmith/internal/impact"
	"sitesmith/internal/llm"
	"sitesmith/internal/planner"
	"sitesmith/internal/quickfix"
	"sitesmith/internal/repair"
	"sitesmith/internal/state"
)

// planProvider answers the planner with a fixed single-task plan.
type planProvider struct {
	files []string
}

func (p *planProvider) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	plan, err := json.Marshal(map[string]interface{}{
		"tasks": []map[string]interface{}{{
			"name":        "feature",
			"description": "implement the change",
			"files":       p.files,
			"priority":    1,
		}},
	})
	return string(plan), err
}

type fakeGenerator struct {
	content map[string]string
}

func (g *fakeGenerator) GenerateFiles(ctx context.Context, task llm.TaskSpec, requirement string, existing []string) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range task.Files {
		out[f] = g.content[f]
	}
	return out, nil
}

type passthroughToolchain struct {
	builds  int
	failAll bool
}

func (tc *passthroughToolchain) Install(ctx context.Context, dir string) (string, error) {
	return "", nil
}

func (tc *passthroughToolchain) Build(ctx context.Context, dir string) (string, int, error) {
	tc.builds++
	if tc.failAll {
		return "./a.tsx:1:1\nType error: hopeless\n", 1, nil
	}
	return "✓ Compiled successfully", 0, nil
}

func (tc *passthroughToolchain) DevCommand(dir string, port int) *exec.Cmd { return nil }

func (tc *passthroughToolchain) AddPackage(ctx context.Context, dir, pkg string) (string, error) {
	return "", nil
}

type fakeFixer struct{}

func (fakeFixer) ProposeFixes(ctx context.Context, errorSummary, requirement, rawExcerpt string) (*llm.FixResponse, error) {
	return nil, fmt.Errorf("fixer unavailable")
}

type fakeSupervisor struct {
	running map[string]state.Record
	starts  int
	stops   int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: map[string]state.Record{}}
}

func (s *fakeSupervisor) Start(ctx context.Context, name, projectPath string) (state.Record, error) {
	s.starts++
	rec := state.Record{Name: name, Port: 3100, URL: "http://localhost:3100", ProjectPath: projectPath}
	s.running[name] = rec
	return rec, nil
}

func (s *fakeSupervisor) Stop(name string) error {
	s.stops++
	delete(s.running, name)
	return nil
}

func (s *fakeSupervisor) Get(name string) (state.Record, bool) {
	rec, ok := s.running[name]
	return rec, ok
}

func newTestBuilder(t *testing.T, files []string, content map[string]string, tc *passthroughToolchain, sup *fakeSupervisor) *Builder {
	t.Helper()
	loop := repair.New(buildcheck.New(tc), quickfix.NewEngine(tc), fakeFixer{}, tc, 3, 4100)
	loop.Probe = nil // no runtime probe in unit tests
	return New(
		t.TempDir(),
		planner.New(&planProvider{files: files}),
		generate.NewExecutor(&fakeGenerator{content: content}, 0),
		loop,
		sup,
		nil,
		nil,
	)
}

func TestBuildCleanFirstTry(t *testing.T) {
	tc := &passthroughToolchain{}
	sup := newFakeSupervisor()
	b := newTestBuilder(t, []string{"src/app/page.tsx"},
		map[string]string{"src/app/page.tsx": "export default function Page() { return null; }\n"},
		tc, sup)

	report, err := b.Build(context.Background(), "shop", "an online shop")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, report.Status)
	require.NotNil(t, report.Generation)
	assert.Equal(t, 1, report.Generation.Successful)
	require.NotNil(t, report.Preview)
	assert.Equal(t, "shop", report.Preview.Name)
	assert.Equal(t, 1, sup.starts)
}

func TestBuildExhaustedDoesNotStartServer(t *testing.T) {
	tc := &passthroughToolchain{failAll: true}
	sup := newFakeSupervisor()
	b := newTestBuilder(t, []string{"src/app/page.tsx"},
		map[string]string{"src/app/page.tsx": "broken"},
		tc, sup)

	report, err := b.Build(context.Background(), "shop", "an online shop")
	require.NoError(t, err, "exhaustion is a report, not an error")

	assert.Equal(t, StatusExhausted, report.Status)
	assert.Nil(t, report.Preview)
	assert.Zero(t, sup.starts)
	require.NotNil(t, report.Repair)
	assert.Equal(t, 3, report.Repair.Attempts)
}

func TestBuildRejectsBadProjectName(t *testing.T) {
	b := newTestBuilder(t, nil, nil, &passthroughToolchain{}, newFakeSupervisor())
	_, err := b.Build(context.Background(), "../escape", "x")
	assert.Error(t, err)
	_, err = b.Build(context.Background(), "a/b", "x")
	assert.Error(t, err)
}

func TestUpdateSmallEditSkipsRevalidation(t *testing.T) {
	tc := &passthroughToolchain{}
	sup := newFakeSupervisor()
	b := newTestBuilder(t, []string{"src/components/Hero.tsx"},
		map[string]string{"src/components/Hero.tsx": "const title = \"Summer Sale\";\nexisting line\n"},
		tc, sup)

	// Seed the existing project so the update has something to diff against.
	projectPath := filepath.Join(b.workspace, "shop")
	seed := filepath.Join(projectPath, "src", "components")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(seed, "Hero.tsx"),
		[]byte("const title = \"Winter Sale\";\nexisting line\n"), 0o644))
	sup.running["shop"] = state.Record{Name: "shop", Port: 3100}

	report, err := b.Update(context.Background(), "shop", "change the title to Summer Sale")
	require.NoError(t, err)

	assert.Equal(t, impact.ActionSkip, report.Decision.Action)
	assert.Nil(t, report.Repair, "skip decision bypasses the repair loop")
	assert.Zero(t, tc.builds)
	assert.Zero(t, sup.stops, "hot reload handles skipped updates")
}

func TestUpdateStructuralChangeRebuildsAndRestarts(t *testing.T) {
	tc := &passthroughToolchain{}
	sup := newFakeSupervisor()
	newContent := "\"use client\";\nimport { useState } from \"react\";\nexport default function Cart() {\n  const [open, setOpen] = useState(false);\n  return null;\n}\n"
	b := newTestBuilder(t, []string{"src/components/Cart.tsx"},
		map[string]string{"src/components/Cart.tsx": newContent},
		tc, sup)

	projectPath := filepath.Join(b.workspace, "shop")
	require.NoError(t, os.MkdirAll(projectPath, 0o755))
	sup.running["shop"] = state.Record{Name: "shop", Port: 3100}

	report, err := b.Update(context.Background(), "shop", "add a cart drawer")
	require.NoError(t, err)

	assert.Equal(t, impact.ActionRebuild, report.Decision.Action)
	require.NotNil(t, report.Repair)
	assert.True(t, report.Repair.Success)
	assert.Equal(t, 1, sup.stops)
	assert.Equal(t, 1, sup.starts)
	require.NotNil(t, report.Preview)
}

func TestUpdateMissingProjectFails(t *testing.T) {
	b := newTestBuilder(t, []string{"a.tsx"}, nil, &passthroughToolchain{}, newFakeSupervisor())
	_, err := b.Update(context.Background(), "ghost", "x")
	assert.Error(t, err)
}
