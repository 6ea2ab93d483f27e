package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/config"
)

const testTarget = "http://target.local"

func newTestEngine(t *testing.T, planner Planner, executor Executor, cfg config.EngineConfig, logger *zap.Logger, opts ...Option) *Engine {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	opts = append([]Option{
		WithTargetBase(testTarget),
		WithRunIDGenerator(func() string { return "run-1" }),
		WithClock(fixedClock()),
	}, opts...)
	e, err := NewEngine(planner, executor, cfg, logger, opts...)
	require.NoError(t, err)
	return e
}

func todosOf(requests []ExecutionRequest) []string {
	out := make([]string, len(requests))
	for i, r := range requests {
		out[i] = r.Todo
	}
	return out
}

func TestNewEngine_RequiresOracles(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewEngine(nil, newScriptedExecutor(nil), testEngineConfig(), logger)
	assert.ErrorIs(t, err, ErrNoPlanner)

	_, err = NewEngine(newScriptedPlanner(), nil, testEngineConfig(), logger)
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestEngine_EmptyGoal(t *testing.T) {
	planner := newScriptedPlanner()
	e := newTestEngine(t, planner, reportsByTodo(nil), testEngineConfig(), nil)

	report, err := e.Run(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyGoal)
	assert.Nil(t, report)
	assert.Empty(t, planner.calls())
}

func TestEngine_CapturesFlag(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger, logs := setupObservedLogger()
	planner := newScriptedPlanner(
		planAnswer{todos: []string{"Observe the home page", "Fetch /robots.txt"}},
		planAnswer{todos: []string{"Login with admin:admin", "Fetch /robots.txt"}},
	)
	executor := reportsByTodo(map[string]string{
		"Observe the home page":  "The page links to a form.\n[DISCOVERY] /login form accepts admin:admin",
		"Login with admin:admin": "HTTP/1.1 302 Found\nSet-Cookie: session=abc; HttpOnly\n[FLAG] flag{done}",
	})
	e := newTestEngine(t, planner, executor, testEngineConfig(), logger)

	report, err := e.Run(context.Background(), "capture the flag")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.True(t, report.Succeeded())
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 2, report.Iterations)
	assert.Equal(t, []string{"Observe the home page", "Login with admin:admin"}, report.CompletedTodos)
	assert.Equal(t, []string{"Discovery: /login form accepts admin:admin", "FLAG: flag{done}"}, Bodies(report.Findings))
	assert.Equal(t, "session=abc", report.FinalState.Get(KeyCredential))
	assert.Equal(t, testTarget, report.FinalState.Get(KeyTargetBase))
	assert.Positive(t, report.Duration())

	seen := executor.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "capture the flag", seen[0].Goal)
	assert.Equal(t,
		"credential: None\nidentity: None\ntargetBase: "+testTarget+"\nrecent findings: Discovery: /login form accepts admin:admin",
		seen[1].StateSummary)

	calls := planner.calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0], "cold start has no context")
	assert.Equal(t, []StepRef{{Index: 1, Todo: "Observe the home page"}}, calls[1].History)
	assert.Equal(t, 1, calls[1].TotalFindings)

	require.Len(t, report.Steps, 2)
	assert.Equal(t, 1, report.Steps[0].NewFindings)
	assert.Equal(t, 1, report.Steps[1].FindingsBefore)
	assert.False(t, report.Steps[1].StateBefore.Has(KeyCredential))
	assert.Equal(t, 2, report.Findings[1].Step)
	assert.Equal(t, schemas.KindFlagCapture, report.Findings[1].Kind)

	msgs := messages(logs)
	assert.Contains(t, msgs, "[STEP 1] Observe the home page")
	assert.Contains(t, msgs, "[REPLAN] triggered")
	assert.Contains(t, msgs, "[STATE] new session established")
	assert.Contains(t, msgs, "[SUCCESS] flag captured")
	assert.Contains(t, msgs, "[DONE] run terminated")
}

func TestEngine_ColdStartFallback(t *testing.T) {
	tests := []struct {
		name     string
		answer   planAnswer
		opts     []Option
		wantTodo string
	}{
		{"planner error", planAnswer{err: errors.New("model offline")}, nil, DefaultBootstrapTask},
		{"empty plan", planAnswer{}, nil, DefaultBootstrapTask},
		{"custom bootstrap", planAnswer{}, []Option{WithBootstrapTask("  GET / and read it  ")}, "GET / and read it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := newScriptedPlanner(tt.answer)
			executor := reportsByTodo(nil)
			e := newTestEngine(t, planner, executor, testEngineConfig(), nil, tt.opts...)

			report, err := e.Run(context.Background(), "goal")
			require.NoError(t, err)

			assert.Equal(t, []string{tt.wantTodo}, todosOf(executor.seen()))
			assert.Equal(t, OutcomeExhausted, report.Outcome, "an empty replan ends the run")
			assert.Equal(t, 1, report.Iterations)
			assert.Len(t, planner.calls(), 2)
			assert.NotNil(t, report.Findings)
			assert.Empty(t, report.Findings)
		})
	}
}

func TestEngine_ExecutorFailuresBecomeReports(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, ExecutionRequest) (string, error)
		want string
	}{
		{"error", func(context.Context, ExecutionRequest) (string, error) { return "", errors.New("boom") }, "execution failed: boom"},
		{"panic", func(context.Context, ExecutionRequest) (string, error) { panic("kaboom") }, "execution failed: kaboom"},
		{"empty", func(context.Context, ExecutionRequest) (string, error) { return "  \n", nil }, "execution failed: executor returned an empty report"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := newScriptedPlanner(planAnswer{todos: []string{"only task"}})
			e := newTestEngine(t, planner, newScriptedExecutor(tt.fn), testEngineConfig(), nil)

			report, err := e.Run(context.Background(), "goal")
			require.NoError(t, err)
			require.Len(t, report.Steps, 1)
			assert.Equal(t, tt.want, report.Steps[0].Report)
			assert.Equal(t, OutcomeExhausted, report.Outcome)
		})
	}
}

func TestEngine_SessionExpiryAndRelogin(t *testing.T) {
	logger, logs := setupObservedLogger()
	planner := newScriptedPlanner(
		planAnswer{todos: []string{"login as admin", "probe profile endpoint", "read notes"}},
		planAnswer{todos: []string{"login as admin again", "probe profile endpoint"}},
	)
	executor := reportsByTodo(map[string]string{
		"login as admin":         "Logged in.\n[STATE_UPDATE] credential: session=s1",
		"probe profile endpoint": `Redirecting... <a href="/">/</a>`,
		"login as admin again":   "Logged in again.\n[STATE_UPDATE] credential: session=s2",
	})
	e := newTestEngine(t, planner, executor, testEngineConfig(), logger)

	report, err := e.Run(context.Background(), "read the admin notes")
	require.NoError(t, err)

	assert.Equal(t, []string{"login as admin", "probe profile endpoint", "login as admin again"}, todosOf(executor.seen()))
	assert.Contains(t, executor.seen()[1].StateSummary, "credential: session=s1")
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, "session=s2", report.FinalState.Get(KeyCredential))
	assert.Equal(t, OutcomeExhausted, report.Outcome)

	calls := planner.calls()
	require.Len(t, calls, 3)
	assert.False(t, calls[1].State.Has(KeyCredential), "the replan sees the cleared credential")

	replans := logs.FilterMessage("[REPLAN] triggered").All()
	require.NotEmpty(t, replans)
	assert.Equal(t, []interface{}{string(ReasonSessionLost)}, replans[0].ContextMap()["reasons"])
	assert.Equal(t, 1, logs.FilterMessage("[EXPIRED] session invalidated by the server, credential cleared").Len())
	assert.Equal(t, 2, logs.FilterMessage("[STATE] new session established").Len())
}

func TestEngine_FatalLoginFailures(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxLoginFailures = 0
	planner := newScriptedPlanner(planAnswer{todos: []string{"login", "probe profile endpoint", "read notes"}})
	executor := reportsByTodo(map[string]string{
		"login":                  "[STATE_UPDATE] credential: session=s1",
		"probe profile endpoint": `Redirecting... <a href="/">`,
	})
	e := newTestEngine(t, planner, executor, cfg, nil)

	report, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatalLoginFailures, report.Outcome)
	assert.Equal(t, 2, report.Iterations)
	assert.False(t, report.FinalState.Has(KeyCredential))
}

func TestNewEngine_BoundDefaults(t *testing.T) {
	t.Run("negative login bound takes the default", func(t *testing.T) {
		e := newTestEngine(t, newScriptedPlanner(), reportsByTodo(nil), config.EngineConfig{MaxLoginFailures: -1}, nil)
		assert.Equal(t, 3, e.cfg.MaxLoginFailures)
		assert.Equal(t, 100, e.cfg.MaxIterations)
		assert.Equal(t, 400, e.cfg.ReportTruncateLen)
	})

	t.Run("zero login bound is kept", func(t *testing.T) {
		e := newTestEngine(t, newScriptedPlanner(), reportsByTodo(nil), config.EngineConfig{}, nil)
		assert.Equal(t, 0, e.cfg.MaxLoginFailures)
		assert.Equal(t, 100, e.cfg.MaxIterations, "other zero bounds still default")
	})
}

func TestEngine_LoopStopsBeforeExecutingPastLoginBound(t *testing.T) {
	logger, logs := setupObservedLogger()
	executor := reportsByTodo(nil)
	e := newTestEngine(t, newScriptedPlanner(), executor, testEngineConfig(), logger)

	r := e.newRun("goal")
	r.queue.Replace([]string{"probe profile endpoint"})
	r.loginFailures = 4

	outcome := e.loop(context.Background(), r, logger)
	assert.Equal(t, OutcomeFatalLoginFailures, outcome)
	assert.Empty(t, executor.seen())
	assert.Equal(t, 0, r.iterations)
	assert.Equal(t, 1, logs.FilterMessage("[FATAL] too many consecutive session expiries").Len())
}

func TestEngine_IterationBound(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxIterations = 3
	logger, logs := setupObservedLogger()
	planner := newScriptedPlanner(planAnswer{todos: []string{"t1", "t2", "t3", "t4", "t5"}})
	executor := reportsByTodo(nil)
	e := newTestEngine(t, planner, executor, cfg, logger)

	report, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, report.Outcome)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, []string{"t1", "t2", "t3"}, report.CompletedTodos)
	assert.Len(t, planner.calls(), 1, "a non-empty queue with no findings never replans")
	assert.Equal(t, 1, logs.FilterMessage("Iteration bound reached").Len())
}

func TestEngine_Interrupted(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := new(MockRecorder)
	recorder.On("StartRun", mock.Anything, mock.MatchedBy(func(info RunInfo) bool {
		return info.ID == "run-1" && info.Goal == "goal" && info.TargetBase == testTarget
	})).Return(nil).Once()
	recorder.On("RecordStep", mock.Anything, "run-1", mock.MatchedBy(func(s StepRecord) bool {
		return s.Index == 1 && s.Todo == "first"
	}), mock.Anything).Return(nil).Once()
	recorder.On("FinishRun",
		mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }),
		mock.MatchedBy(func(r *RunReport) bool { return r.Outcome == OutcomeInterrupted }),
	).Return(nil).Once()

	planner := newScriptedPlanner(planAnswer{todos: []string{"first", "second", "third"}})
	executor := newScriptedExecutor(func(_ context.Context, req ExecutionRequest) (string, error) {
		if req.Todo == "second" {
			cancel()
			return "[FLAG] flag{too-late}", nil
		}
		return "nothing interesting", nil
	})
	e := newTestEngine(t, planner, executor, testEngineConfig(), nil, WithRecorder(recorder))

	report, err := e.Run(ctx, "goal")
	require.NoError(t, err)

	assert.Equal(t, OutcomeInterrupted, report.Outcome)
	assert.Len(t, report.Steps, 1, "the interrupted step is not folded in")
	assert.Equal(t, []string{"first", "second"}, report.CompletedTodos)
	assert.Empty(t, report.Findings)
	recorder.AssertExpectations(t)
}

func TestEngine_ReplanErrorKeepsQueue(t *testing.T) {
	logger, logs := setupObservedLogger()
	planner := newScriptedPlanner(
		planAnswer{todos: []string{"observe", "fetch a", "fetch b"}},
		planAnswer{err: errors.New("rate limited")},
	)
	executor := reportsByTodo(map[string]string{"observe": "[DISCOVERY] /x"})
	e := newTestEngine(t, planner, executor, testEngineConfig(), logger)

	report, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, []string{"observe", "fetch a", "fetch b"}, todosOf(executor.seen()))
	assert.Equal(t, OutcomeExhausted, report.Outcome)
	assert.Equal(t, 1, logs.FilterMessage("Replanning failed, keeping the current queue").Len())
}

func TestEngine_ReplanDropsRecentlyCompleted(t *testing.T) {
	planner := newScriptedPlanner(
		planAnswer{todos: []string{"Fetch /admin and /login"}},
		planAnswer{todos: []string{"fetch /ADMIN", "Read /admin source"}},
	)
	executor := reportsByTodo(map[string]string{"Fetch /admin and /login": "[DISCOVERY] /admin is a 403"})
	e := newTestEngine(t, planner, executor, testEngineConfig(), nil)

	_, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, []string{"Fetch /admin and /login", "Read /admin source"}, todosOf(executor.seen()))
}

func TestEngine_DuplicateFindingsDoNotReplan(t *testing.T) {
	planner := newScriptedPlanner(
		planAnswer{todos: []string{"a", "b", "c"}},
		planAnswer{todos: []string{"b", "c"}},
	)
	executor := newScriptedExecutor(func(context.Context, ExecutionRequest) (string, error) {
		return "[DISCOVERY] /admin panel", nil
	})
	e := newTestEngine(t, planner, executor, testEngineConfig(), nil)

	report, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Len(t, report.Findings, 1)
	assert.Equal(t, 3, report.Iterations)
	require.Len(t, report.Steps, 3)
	assert.Equal(t, 0, report.Steps[1].NewFindings)
	assert.Len(t, planner.calls(), 3, "cold start, new finding, then the drained queue")
}

func TestEngine_RecorderErrorsAreNotFatal(t *testing.T) {
	logger, logs := setupObservedLogger()
	recorder := new(MockRecorder)
	recorder.On("StartRun", mock.Anything, mock.Anything).Return(errors.New("db down"))
	recorder.On("RecordStep", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	recorder.On("FinishRun", mock.Anything, mock.Anything).Return(errors.New("db down"))

	planner := newScriptedPlanner(planAnswer{todos: []string{"grab it"}})
	executor := reportsByTodo(map[string]string{"grab it": "found flag{x}"})
	e := newTestEngine(t, planner, executor, testEngineConfig(), logger, WithRecorder(recorder))

	report, err := e.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, report.Outcome)

	msgs := messages(logs)
	assert.Contains(t, msgs, "Recorder failed to start run")
	assert.Contains(t, msgs, "Recorder failed to record step")
	assert.Contains(t, msgs, "Recorder failed to finish run")
}
