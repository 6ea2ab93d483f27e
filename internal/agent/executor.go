// internal/agent/executor.go
package agent

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/llmutil"
)

// ExecutionRequest is what the executor oracle is given for one todo.
type ExecutionRequest struct {
	Goal         string `json:"goal"`
	Todo         string `json:"todo"`
	StateSummary string `json:"state_summary"`
}

// FormatStateSummary renders the four-line state block shown to the executor:
// credential, identity, target base and the given recent findings.
func FormatStateSummary(state SessionState, recent []schemas.Finding) string {
	findings := "None"
	if len(recent) > 0 {
		findings = strings.Join(Bodies(recent), " | ")
	}
	return fmt.Sprintf("credential: %s\nidentity: %s\ntargetBase: %s\nrecent findings: %s",
		state.Display(KeyCredential),
		state.Display(KeyIdentity),
		state.Get(KeyTargetBase),
		findings)
}

const executorSystemPrompt = `You are the executing half of an authorized security-testing agent. You carry out exactly one task against the target and report what happened.

State rules:
- Read the Current State before every action.
- If credential is not None, send it on every http_request as the header "Cookie: <credential>".
- A logged-in credential looks like session=eyJ1c2VyX2lkIjoxMDAzMn0...

Sandbox rules:
- run_command and write_file use the preset sandbox; do not pass sandbox_id unless told to.
- Files go under /tmp, for example /tmp/probe.py.

Task rules:
- Login tasks: perform the whole login flow, then report the new session with a STATE_UPDATE line.
- Observe tasks: only look. Fetch pages, read responses, note new paths and parameters.
- Test tasks: write a script to /tmp, run it with run_command, test thoroughly and look for flag{...}.
- For possible IDOR, enumerate identifiers systematically with a script.
- For possible XSS, try several payloads and filter bypasses.

Tools:
%s
Protocol: answer with ONE JSON object per turn and nothing else.
To call a tool: {"thought": "...", "tool": "<name>", "args": {...}}
To finish:      {"thought": "...", "final": "<report>"}

The final report must end with an analysis section using these exact line markers, one item per line:
[DISCOVERY] <new path or feature>
[FINDING] <label>: <weakness or sensitive data>
[FLAG] <flag value, if any>
[STATE_UPDATE] credential: <cookie pair such as session=...>
[STATE_UPDATE] identity: <user id>
[STATE_UPDATE] targetBase: <base url>
Only report STATE_UPDATE lines for values that actually changed.`

const executorUserPrompt = `Goal: %s

**Current State**:
%s

**Current Task**: %s
%s%s`

const toolBudgetExhausted = `
No tool calls remain. Respond now with {"thought": "...", "final": "<report>"}.`

// executorTurn is one JSON answer from the executor model.
type executorTurn struct {
	Thought string                 `json:"thought"`
	Tool    string                 `json:"tool"`
	Args    map[string]interface{} `json:"args"`
	Final   string                 `json:"final"`
}

type toolExchange struct {
	turn   executorTurn
	result ToolResult
}

// LLMExecutor drives a bounded JSON tool loop on the powerful tier.
type LLMExecutor struct {
	client schemas.LLMClient
	tools  *ToolRegistry
	cfg    config.ExecutorConfig
	logger *zap.Logger
}

var _ Executor = (*LLMExecutor)(nil)

// NewLLMExecutor creates an executor that may call tools up to
// cfg.MaxToolCalls times per todo.
func NewLLMExecutor(client schemas.LLMClient, tools *ToolRegistry, cfg config.ExecutorConfig, logger *zap.Logger) *LLMExecutor {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 12
	}
	if cfg.ObservationLimit <= 0 {
		cfg.ObservationLimit = 2000
	}
	return &LLMExecutor{client: client, tools: tools, cfg: cfg, logger: logger.Named("executor")}
}

// Execute runs the tool loop for one todo and returns the report. The report
// is the model's final text, followed by the raw tool observations when
// IncludeObservations is set so headers like Set-Cookie reach the extractors.
func (e *LLMExecutor) Execute(ctx context.Context, req ExecutionRequest) (string, error) {
	system := fmt.Sprintf(executorSystemPrompt, e.tools.Describe())
	var exchanges []toolExchange

	for calls := 0; ; calls++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		budgetLeft := calls < e.cfg.MaxToolCalls

		user := fmt.Sprintf(executorUserPrompt, req.Goal, req.StateSummary, req.Todo,
			e.formatTranscript(exchanges), budgetNote(budgetLeft))
		resp, err := e.client.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: system,
			UserPrompt:   user,
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
		})
		if err != nil {
			return "", fmt.Errorf("executor generation failed: %w", err)
		}

		turn, err := llmutil.ParseJSONResponse[executorTurn](resp)
		if err != nil {
			// A plain-text answer is taken as the report.
			e.logger.Debug("Executor answered outside the JSON protocol", zap.Error(err))
			return e.finalize(strings.TrimSpace(resp), exchanges), nil
		}
		if turn.Tool == "" || turn.Final != "" {
			return e.finalize(firstNonEmpty(turn.Final, turn.Thought), exchanges), nil
		}
		if !budgetLeft {
			e.logger.Warn("Executor exceeded its tool budget", zap.Int("max_tool_calls", e.cfg.MaxToolCalls))
			return e.finalize(firstNonEmpty(turn.Thought, "tool budget exhausted before a final report"), exchanges), nil
		}

		result := e.tools.Invoke(ctx, turn.Tool, turn.Args)
		e.logger.Info("[TOOL] "+turn.Tool,
			zap.Int("call", calls+1),
			zap.Bool("failed", result.Failed()),
			zap.String("thought", llmutil.Flatten(turn.Thought, 160)))
		exchanges = append(exchanges, toolExchange{turn: *turn, result: result})
	}
}

// transcriptJSON keeps tool arguments byte-for-byte readable: sorted keys, no
// HTML escaping of characters such as '&' in form bodies.
var transcriptJSON = json.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

func (e *LLMExecutor) formatTranscript(exchanges []toolExchange) string {
	if len(exchanges) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n**Previous actions**:\n")
	for i, ex := range exchanges {
		args, _ := transcriptJSON.MarshalToString(ex.turn.Args)
		fmt.Fprintf(&b, "%d. %s %s\n%s\n", i+1, ex.turn.Tool, args,
			llmutil.Truncate(ex.result.Observation(), e.cfg.ObservationLimit))
	}
	return b.String()
}

func (e *LLMExecutor) finalize(final string, exchanges []toolExchange) string {
	if final == "" {
		final = "(no report)"
	}
	if !e.cfg.IncludeObservations || len(exchanges) == 0 {
		return final
	}
	var b strings.Builder
	b.WriteString(final)
	b.WriteString("\n\n---- tool observations ----\n")
	for i, ex := range exchanges {
		fmt.Fprintf(&b, "(%d) %s\n\n", i+1, llmutil.Truncate(ex.result.Observation(), e.cfg.ObservationLimit))
	}
	return strings.TrimRight(b.String(), "\n")
}

func budgetNote(budgetLeft bool) string {
	if budgetLeft {
		return ""
	}
	return toolBudgetExhausted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
