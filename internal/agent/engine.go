// internal/agent/engine.go
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/llmutil"
)

// summaryFindings is how many recent findings the executor sees.
const summaryFindings = 3

// DefaultBootstrapTask seeds the queue when the cold-start plan is empty.
const DefaultBootstrapTask = "Observe the target's home surface and locate an entry point"

// Engine is the coordination loop. It owns all run state; the planner and
// executor are called strictly one at a time.
type Engine struct {
	planner   Planner
	executor  Executor
	parser    ReportParser
	recorder  Recorder
	extractor *StateUpdateExtractor
	policy    ReplanPolicy

	cfg           config.EngineConfig
	bootstrapTask string
	targetBase    string
	newRunID      func() string
	now           func() time.Time
	logger        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the audit recorder. The default discards everything.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithReportParser replaces the marker and regex parser.
func WithReportParser(p ReportParser) Option {
	return func(e *Engine) { e.parser = p }
}

// WithBootstrapTask overrides the cold-start fallback task.
func WithBootstrapTask(task string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(task) != "" {
			e.bootstrapTask = strings.TrimSpace(task)
		}
	}
}

// WithTargetBase seeds the targetBase state field.
func WithTargetBase(base string) Option {
	return func(e *Engine) { e.targetBase = base }
}

// WithRunIDGenerator overrides the uuid run ids.
func WithRunIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newRunID = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine around the two oracles. Non-positive bounds take
// their defaults, except MaxLoginFailures where zero means no expiry is
// tolerated and only a negative value defaults to 3.
func NewEngine(planner Planner, executor Executor, cfg config.EngineConfig, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if planner == nil {
		return nil, ErrNoPlanner
	}
	if executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.MaxLoginFailures < 0 {
		// Zero is a valid bound.
		cfg.MaxLoginFailures = 3
	}
	if cfg.ReportTruncateLen <= 0 {
		cfg.ReportTruncateLen = 400
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 3
	}
	if cfg.FindingsWindow <= 0 {
		cfg.FindingsWindow = 5
	}

	e := &Engine{
		planner:       planner,
		executor:      executor,
		parser:        RegexParser{},
		recorder:      NopRecorder{},
		policy:        NewReplanPolicy(cfg.CompletedWindow),
		cfg:           cfg,
		bootstrapTask: DefaultBootstrapTask,
		newRunID:      uuid.NewString,
		now:           time.Now,
		logger:        logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.extractor = NewStateUpdateExtractor(e.parser, e.logger)
	return e, nil
}

// run is the mutable state of one Run call.
type run struct {
	info               RunInfo
	state              SessionState
	ledger             *FindingsLedger
	queue              *TodoQueue
	completed          *CompletedLog
	steps              []StepRecord
	iterations         int
	loginFailures      int
	sessionEstablished bool
	phase              EngineState
}

func (e *Engine) newRun(goal string) *run {
	return &run{
		info: RunInfo{
			ID:         e.newRunID(),
			Goal:       goal,
			TargetBase: e.targetBase,
			StartedAt:  e.now(),
		},
		state:     NewSessionState(e.targetBase),
		ledger:    NewFindingsLedger(e.parser, e.cfg.DedupPrefixLen),
		queue:     NewTodoQueue(),
		completed: &CompletedLog{},
		phase:     StateIdle,
	}
}

// Run drives goal to a terminal state and returns the report. Cancelling ctx
// ends the run with OutcomeInterrupted at the next iteration boundary; the
// report still covers everything done so far. The only error is ErrEmptyGoal.
func (e *Engine) Run(ctx context.Context, goal string) (*RunReport, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}

	r := e.newRun(goal)
	logger := e.logger.With(zap.String("run_id", r.info.ID))
	logger.Info("Run started", zap.String("goal", goal), zap.String("target", r.info.TargetBase))
	if err := e.recorder.StartRun(ctx, r.info); err != nil {
		logger.Warn("Recorder failed to start run", zap.Error(err))
	}

	e.transition(r, StatePlanning, logger)
	e.seed(ctx, r, logger)

	outcome := e.loop(ctx, r, logger)
	e.transition(r, StateTerminated, logger)

	report := e.report(r, outcome)
	logger.Info("[DONE] run terminated",
		zap.String("outcome", string(outcome)),
		zap.Int("iterations", r.iterations),
		zap.Int("findings", r.ledger.Len()),
		zap.String("final_state", r.state.String()))

	if err := e.recorder.FinishRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Warn("Recorder failed to finish run", zap.Error(err))
	}
	return report, nil
}

// seed fills the queue from a cold-start plan, falling back to the bootstrap
// task when the planner fails or returns nothing.
func (e *Engine) seed(ctx context.Context, r *run, logger *zap.Logger) {
	todos, err := e.planner.GenerateTodos(ctx, r.info.Goal, nil)
	if err != nil {
		logger.Warn("Cold-start planning failed, using the bootstrap task", zap.Error(err))
	}
	if len(todos) == 0 {
		todos = []string{e.bootstrapTask}
	}
	r.queue.Replace(todos)
	logger.Info("[PLAN] initial todos", zap.Strings("todos", todos))
}

func (e *Engine) loop(ctx context.Context, r *run, logger *zap.Logger) TerminationReason {
	for {
		if ctx.Err() != nil {
			logger.Warn("Run interrupted", zap.Error(ctx.Err()))
			return OutcomeInterrupted
		}
		if r.loginFailures > e.cfg.MaxLoginFailures {
			logger.Error("[FATAL] too many consecutive session expiries",
				zap.Int("login_failures", r.loginFailures))
			return OutcomeFatalLoginFailures
		}
		if r.iterations >= e.cfg.MaxIterations {
			return OutcomeExhausted
		}
		todo, ok := r.queue.Pop()
		if !ok {
			logger.Info("Todo queue drained")
			return OutcomeExhausted
		}

		e.transition(r, StateExecuting, logger)
		r.completed.Append(todo)
		r.iterations++
		started := e.now()
		logger.Info(fmt.Sprintf("[STEP %d] %s", r.iterations, todo),
			zap.String("credential", llmutil.Truncate(r.state.Display(KeyCredential), 30)),
			zap.String("identity", r.state.Display(KeyIdentity)))

		report := e.execute(ctx, r, todo, logger)
		if ctx.Err() != nil {
			logger.Warn("Run interrupted during execution", zap.Int("step", r.iterations))
			return OutcomeInterrupted
		}

		e.transition(r, StateUpdating, logger)
		newFindings := e.update(ctx, r, todo, report, started, logger)

		e.transition(r, StateDeciding, logger)
		if outcome, done := e.terminal(r, logger); done {
			return outcome
		}
		e.replan(ctx, r, newFindings, logger)
		if r.queue.Len() == 0 {
			logger.Info("Replanning left nothing to do")
			return OutcomeExhausted
		}
	}
}

// execute calls the executor and always returns a non-empty report.
func (e *Engine) execute(ctx context.Context, r *run, todo string, logger *zap.Logger) (report string) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Executor panicked",
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			report = executionFailedPrefix + fmt.Sprint(p)
		}
	}()

	out, err := e.executor.Execute(ctx, ExecutionRequest{
		Goal:         r.info.Goal,
		Todo:         todo,
		StateSummary: FormatStateSummary(r.state, r.ledger.Recent(summaryFindings)),
	})
	if err != nil {
		logger.Warn("Executor failed", zap.String("todo", todo), zap.Error(err))
		return executionFailedPrefix + err.Error()
	}
	if strings.TrimSpace(out) == "" {
		return executionFailedPrefix + "executor returned an empty report"
	}
	return out
}

// update folds report into state and findings, records the step, and returns
// the number of new findings.
func (e *Engine) update(ctx context.Context, r *run, todo, report string, started time.Time, logger *zap.Logger) int {
	before := r.state
	findingsBefore := r.ledger.Len()

	e.extractor.Apply(report, &r.state)
	credBefore, credAfter := before.Get(KeyCredential), r.state.Get(KeyCredential)
	switch {
	case DetectSessionExpiry(report, todo, credBefore, credAfter):
		r.state.Clear(KeyCredential)
		r.loginFailures++
		logger.Warn("[EXPIRED] session invalidated by the server, credential cleared",
			zap.Int("login_failures", r.loginFailures))
	case credAfter != "" && credAfter != credBefore:
		r.loginFailures = 0
		r.sessionEstablished = true
		logger.Info("[STATE] new session established")
	}

	fresh := r.ledger.Extract(report)
	for i := range fresh {
		fresh[i].Step = r.iterations
		fresh[i].ObservedAt = e.now()
		logger.Info("[FINDING] "+fresh[i].Body, zap.String("kind", string(fresh[i].Kind)))
	}
	r.ledger.Absorb(fresh)

	step := StepRecord{
		Index:          r.iterations,
		Todo:           todo,
		Report:         llmutil.Flatten(report, e.cfg.ReportTruncateLen),
		StateBefore:    before,
		FindingsBefore: findingsBefore,
		NewFindings:    len(fresh),
		StartedAt:      started,
		Duration:       e.now().Sub(started),
	}
	r.steps = append(r.steps, step)
	if err := e.recorder.RecordStep(ctx, r.info.ID, step, fresh); err != nil {
		logger.Warn("Recorder failed to record step", zap.Int("step", step.Index), zap.Error(err))
	}
	return len(fresh)
}

// terminal applies the termination checks in priority order.
func (e *Engine) terminal(r *run, logger *zap.Logger) (TerminationReason, bool) {
	switch {
	case r.ledger.HasFlag():
		logger.Info("[SUCCESS] flag captured")
		return OutcomeSuccess, true
	case r.loginFailures > e.cfg.MaxLoginFailures:
		logger.Error("[FATAL] too many consecutive session expiries",
			zap.Int("login_failures", r.loginFailures),
			zap.Int("bound", e.cfg.MaxLoginFailures))
		return OutcomeFatalLoginFailures, true
	case r.iterations >= e.cfg.MaxIterations:
		logger.Warn("Iteration bound reached", zap.Int("max_iterations", e.cfg.MaxIterations))
		return OutcomeExhausted, true
	}
	return "", false
}

// replan regenerates the queue when the policy asks for it. A planner error
// leaves the current queue in place.
func (e *Engine) replan(ctx context.Context, r *run, newFindings int, logger *zap.Logger) {
	reasons := e.policy.Evaluate(ReplanInput{
		State:              r.state,
		SessionEstablished: r.sessionEstablished,
		Pending:            r.queue,
		NewFindings:        newFindings,
	})
	if len(reasons) == 0 {
		return
	}
	names := make([]string, len(reasons))
	for i, reason := range reasons {
		names[i] = string(reason)
	}
	logger.Info("[REPLAN] triggered", zap.Strings("reasons", names))

	todos, err := e.planner.GenerateTodos(ctx, r.info.Goal, &PlanningContext{
		State:         r.state,
		TotalFindings: r.ledger.Len(),
		Findings:      r.ledger.Recent(e.cfg.FindingsWindow),
		History:       r.history(e.cfg.HistoryWindow),
	})
	if err != nil {
		logger.Warn("Replanning failed, keeping the current queue", zap.Error(err))
		return
	}

	kept := e.policy.Filter(todos, r.completed)
	if dropped := len(todos) - len(kept); dropped > 0 {
		logger.Debug("Dropped recently completed todos", zap.Int("dropped", dropped))
	}
	r.queue.Replace(kept)
	logger.Info("[PLAN] updated todos", zap.Strings("todos", kept))
}

func (r *run) history(n int) []StepRef {
	start := len(r.steps) - n
	if start < 0 {
		start = 0
	}
	refs := make([]StepRef, 0, len(r.steps)-start)
	for _, s := range r.steps[start:] {
		refs = append(refs, StepRef{Index: s.Index, Todo: s.Todo})
	}
	return refs
}

func (e *Engine) transition(r *run, next EngineState, logger *zap.Logger) {
	if r.phase == next {
		return
	}
	logger.Debug("State transition", zap.String("from", string(r.phase)), zap.String("to", string(next)))
	r.phase = next
}

func (e *Engine) report(r *run, outcome TerminationReason) *RunReport {
	findings := r.ledger.All()
	if findings == nil {
		findings = []schemas.Finding{}
	}
	return &RunReport{
		RunID:          r.info.ID,
		Goal:           r.info.Goal,
		Outcome:        outcome,
		Iterations:     r.iterations,
		CompletedTodos: r.completed.All(),
		FinalState:     r.state,
		Findings:       findings,
		Steps:          append([]StepRecord(nil), r.steps...),
		StartedAt:      r.info.StartedAt,
		FinishedAt:     e.now(),
	}
}

// NopRecorder discards the audit trail.
type NopRecorder struct{}

func (NopRecorder) StartRun(context.Context, RunInfo) error { return nil }
func (NopRecorder) RecordStep(context.Context, string, StepRecord, []schemas.Finding) error {
	return nil
}
func (NopRecorder) FinishRun(context.Context, *RunReport) error { return nil }
