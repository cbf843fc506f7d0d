// Package planner - Task Planner
// Decomposes a natural-language requirement into an ordered task list.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"sitesmith/internal/llm"
	"sitesmith/internal/logging"
)

// Task is one unit of planned code generation work. Tasks are immutable
// after planning and executed strictly by ascending priority; Dependencies
// is advisory ordering context for the generator, not a scheduler input.
type Task struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
	Files        []string `json:"files"`
	Priority     int      `json:"priority"`
}

// Planner turns requirement documents into task lists.
type Planner struct {
	provider llm.Provider
}

// New creates a planner on top of an LLM provider.
func New(provider llm.Provider) *Planner {
	return &Planner{provider: provider}
}

// Plan generates the ordered task list for a requirement. The plan always
// covers layout/structure first, then features, then integration of the
// generated components into the entry page. When the provider response is
// unusable the planner falls back to a deterministic default plan rather
// than failing the whole build.
func (p *Planner) Plan(ctx context.Context, requirement string) ([]Task, error) {
	logging.S().Infof("Planner: planning for requirement (%d bytes)", len(requirement))

	prompt := buildPlanPrompt(requirement)
	response, err := p.provider.Generate(ctx, prompt, llm.Options{
		MaxTokens:    3000,
		Temperature:  0.3,
		SystemPrompt: "You are a senior software architect. Decompose requirements precisely and output valid JSON only.",
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	tasks, err := parsePlanResponse(response)
	if err != nil {
		logging.S().Warnf("Planner: unusable plan response, using default plan: %v", err)
		tasks = defaultPlan(requirement)
	}

	tasks = normalize(tasks)
	if err := validate(tasks); err != nil {
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}

	logging.S().Infof("Planner: created plan with %d tasks", len(tasks))
	return tasks, nil
}

// buildPlanPrompt embeds the fixed output-schema constraints: excluded work
// categories are constraints on the plan, enforced by instruction here and
// treated as given by the rest of the pipeline.
func buildPlanPrompt(requirement string) string {
	return fmt.Sprintf(`Decompose the following web application requirement into an ordered list of code generation tasks for a Next.js (App Router) + Tailwind project.

REQUIREMENT:
%s

Rules:
- Start with layout/structure, then feature components, then a final task integrating the generated components into the entry page (src/app/page.tsx).
- Each task declares the exact files it produces (project-relative paths under src/).
- Do NOT create tasks for: offline support, dedicated accessibility work, dedicated animation work, or modifying src/app/globals.css.
- Priority is an integer; lower runs first.

Output ONLY valid JSON (no markdown, no explanation):
{"tasks": [{"name": "...", "description": "...", "dependencies": [], "files": ["src/..."], "priority": 1}]}`, requirement)
}

func parsePlanResponse(response string) ([]Task, error) {
	payload, err := llm.ExtractJSONObject(response)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(envelope.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	return envelope.Tasks, nil
}

// defaultPlan is the deterministic fallback: layout, one feature task
// carrying the whole requirement, and entry-page integration.
func defaultPlan(requirement string) []Task {
	summary := requirement
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return []Task{
		{
			Name:        "Application layout",
			Description: "Create the shared application shell: header, navigation, and content container.",
			Files:       []string{"src/app/layout.tsx", "src/components/Header.tsx"},
			Priority:    1,
		},
		{
			Name:        "Core feature",
			Description: "Implement the core functionality: " + summary,
			Files:       []string{"src/components/Main.tsx"},
			Priority:    2,
		},
		{
			Name:        "Entry page integration",
			Description: "Wire the generated components into the entry page.",
			Files:       []string{"src/app/page.tsx"},
			Priority:    3,
		},
	}
}

// normalize assigns IDs, drops tasks without files, and sorts by priority.
// Sort is stable so equal priorities keep the planner's order.
func normalize(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if len(t.Files) == 0 {
			logging.S().Warnf("Planner: dropping task %q with no output files", t.Name)
			continue
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func validate(tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return fmt.Errorf("task %s has no name", t.ID)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = true
		for _, f := range t.Files {
			if strings.HasPrefix(f, "/") || strings.Contains(f, "..") {
				return fmt.Errorf("task %s declares non-relative file %q", t.Name, f)
			}
		}
	}
	return nil
}
