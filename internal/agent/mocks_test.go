package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/network"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Scripted Oracles --

// planAnswer is one scripted planner response.
type planAnswer struct {
	todos []string
	err   error
}

// scriptedPlanner replays answers in order, then answers with nothing.
type scriptedPlanner struct {
	mu       sync.Mutex
	answers  []planAnswer
	contexts []*PlanningContext
}

func newScriptedPlanner(answers ...planAnswer) *scriptedPlanner {
	return &scriptedPlanner{answers: answers}
}

func (p *scriptedPlanner) GenerateTodos(ctx context.Context, goal string, pc *PlanningContext) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts = append(p.contexts, pc)
	if len(p.answers) == 0 {
		return nil, nil
	}
	next := p.answers[0]
	p.answers = p.answers[1:]
	return next.todos, next.err
}

func (p *scriptedPlanner) calls() []*PlanningContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PlanningContext(nil), p.contexts...)
}

// scriptedExecutor answers each todo with fn, recording every request.
type scriptedExecutor struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, req ExecutionRequest) (string, error)
	requests []ExecutionRequest
}

func newScriptedExecutor(fn func(ctx context.Context, req ExecutionRequest) (string, error)) *scriptedExecutor {
	return &scriptedExecutor{fn: fn}
}

// reportsByTodo answers from a fixed table, with a neutral default.
func reportsByTodo(table map[string]string) *scriptedExecutor {
	return newScriptedExecutor(func(_ context.Context, req ExecutionRequest) (string, error) {
		if r, ok := table[req.Todo]; ok {
			return r, nil
		}
		return "nothing interesting", nil
	})
}

func (e *scriptedExecutor) Execute(ctx context.Context, req ExecutionRequest) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	return e.fn(ctx, req)
}

func (e *scriptedExecutor) seen() []ExecutionRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExecutionRequest(nil), e.requests...)
}

// -- Recorder Mock --

// MockRecorder mocks Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) StartRun(ctx context.Context, run RunInfo) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockRecorder) RecordStep(ctx context.Context, runID string, step StepRecord, findings []schemas.Finding) error {
	return m.Called(ctx, runID, step, findings).Error(0)
}

func (m *MockRecorder) FinishRun(ctx context.Context, report *RunReport) error {
	return m.Called(ctx, report).Error(0)
}

// -- Tool Collaborators --

type stubProber struct {
	requests []network.ProbeRequest
	resp     *network.ProbeResponse
	err      error
}

func (s *stubProber) Do(ctx context.Context, req network.ProbeRequest) (*network.ProbeResponse, error) {
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

type stubSandbox struct {
	commands []string
	opts     []sandbox.RunOptions
	result   *sandbox.Result
	runErr   error
	written  map[string]string
}

func (s *stubSandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.Result, error) {
	s.commands = append(s.commands, cmd)
	s.opts = append(s.opts, opts)
	return s.result, s.runErr
}

func (s *stubSandbox) WriteFile(ctx context.Context, path, content string) (string, error) {
	if s.written == nil {
		s.written = make(map[string]string)
	}
	normalized, err := sandbox.NormalizePath(path)
	if err != nil {
		return "", err
	}
	s.written[normalized] = content
	return normalized, nil
}

// fixedSandbox always resolves to sb.
func fixedSandbox(sb CommandSandbox) SandboxProvider {
	return func(context.Context, string) (CommandSandbox, error) { return sb, nil }
}
