package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/llmutil"
)

// Planner produces the next batch of todos. A nil PlanningContext means a cold
// start with no prior knowledge.
type Planner interface {
	GenerateTodos(ctx context.Context, goal string, pc *PlanningContext) ([]string, error)
}

// PlanningContext is the bounded view of the run handed to the planner.
type PlanningContext struct {
	State         SessionState
	TotalFindings int
	Findings      []schemas.Finding // Most recent only.
	History       []StepRef         // Most recent only.
}

// Format renders the context as the planner prompt section.
func (pc *PlanningContext) Format() string {
	var b strings.Builder
	b.WriteString("**Current State**:\n")
	for _, k := range StateKeys {
		fmt.Fprintf(&b, "- %s: %s\n", k, pc.State.Display(k))
	}

	fmt.Fprintf(&b, "\n**Findings** (%d total):\n", pc.TotalFindings)
	if len(pc.Findings) == 0 {
		b.WriteString("- (none yet)\n")
	}
	for _, f := range pc.Findings {
		fmt.Fprintf(&b, "- %s\n", f.Body)
	}

	b.WriteString("\n**Recent History**:\n")
	if len(pc.History) == 0 {
		b.WriteString("- (no steps yet)\n")
	}
	for _, h := range pc.History {
		fmt.Fprintf(&b, "- [%d] %s\n", h.Index, h.Todo)
	}
	return b.String()
}

const plannerSystemPrompt = `You are the planning half of an authorized security-testing agent working against a single target in a sandboxed exercise.
You never execute anything yourself. You write short, concrete tasks for an executor that can send HTTP requests and run shell commands in a sandbox.

Output rules:
- One task per line, plain text, no commentary, no numbering required.
- Each task must be executable in a single step and name the endpoint, parameter or command it concerns when known.
- At most %d tasks, most important first.`

const coldStartPrompt = `Goal: %s

Nothing is known about the target yet. Produce at most 5 observation tasks. The first task must be:
Observe the target's home surface and locate an entry point`

const replanPrompt = `Goal: %s

%s
Rules:
- If credential is None, the first task must log in (use the word "login" in it) before anything that needs a session.
- Build on the findings: follow up on every new discovery or weakness before exploring elsewhere.
- Do not repeat the recent history.
- If a flag{...} is within reach, go straight for it.

Write the next tasks.`

// LLMPlanner asks the fast-tier model for a line-oriented task list.
type LLMPlanner struct {
	client   schemas.LLMClient
	maxTodos int
	logger   *zap.Logger
}

var _ Planner = (*LLMPlanner)(nil)

// NewLLMPlanner creates a planner capped at maxTodos tasks per answer.
func NewLLMPlanner(client schemas.LLMClient, maxTodos int, logger *zap.Logger) *LLMPlanner {
	if maxTodos <= 0 {
		maxTodos = 8
	}
	return &LLMPlanner{client: client, maxTodos: maxTodos, logger: logger.Named("planner")}
}

// GenerateTodos calls the model and parses its answer. An empty slice is a
// valid answer; the caller decides what to do with it.
func (p *LLMPlanner) GenerateTodos(ctx context.Context, goal string, pc *PlanningContext) ([]string, error) {
	userPrompt := fmt.Sprintf(coldStartPrompt, goal)
	if pc != nil {
		userPrompt = fmt.Sprintf(replanPrompt, goal, pc.Format())
	}

	resp, err := p.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: fmt.Sprintf(plannerSystemPrompt, p.maxTodos),
		UserPrompt:   userPrompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.1},
	})
	if err != nil {
		return nil, fmt.Errorf("planner generation failed: %w", err)
	}

	todos := llmutil.ParseTaskList(resp, p.maxTodos)
	p.logger.Debug("Planner answered", zap.Bool("cold_start", pc == nil), zap.Int("todos", len(todos)))
	return todos, nil
}
