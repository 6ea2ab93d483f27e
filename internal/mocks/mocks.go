// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/network"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
	"github.com/xkilldash9x/flagrunner/internal/store"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for releasing the client.
func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Oracle Mocks --

// MockPlanner mocks the agent.Planner interface.
type MockPlanner struct {
	mock.Mock
}

// GenerateTodos provides a mock function for producing a todo list.
func (m *MockPlanner) GenerateTodos(ctx context.Context, goal string, pc *agent.PlanningContext) ([]string, error) {
	args := m.Called(ctx, goal, pc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockExecutor mocks the agent.Executor interface.
type MockExecutor struct {
	mock.Mock
}

// Execute provides a mock function for running one todo.
func (m *MockExecutor) Execute(ctx context.Context, req agent.ExecutionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// -- Tool Backend Mocks --

// MockHTTPProber mocks the agent.HTTPProber interface.
type MockHTTPProber struct {
	mock.Mock
}

// Do provides a mock function for a single outbound probe.
func (m *MockHTTPProber) Do(ctx context.Context, req network.ProbeRequest) (*network.ProbeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*network.ProbeResponse), args.Error(1)
}

// MockCommandSandbox mocks the agent.CommandSandbox interface.
type MockCommandSandbox struct {
	mock.Mock
}

// Run provides a mock function for running a shell command.
func (m *MockCommandSandbox) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.Result, error) {
	args := m.Called(ctx, cmd, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sandbox.Result), args.Error(1)
}

// WriteFile provides a mock function for writing a file into the sandbox.
func (m *MockCommandSandbox) WriteFile(ctx context.Context, path, content string) (string, error) {
	args := m.Called(ctx, path, content)
	return args.String(0), args.Error(1)
}

// MockCommandRunner mocks the sandbox.CommandRunner interface.
type MockCommandRunner struct {
	mock.Mock
}

// Run provides a mock function for invoking the docker CLI.
func (m *MockCommandRunner) Run(ctx context.Context, name string, cmdArgs ...string) ([]byte, []byte, int, error) {
	args := m.Called(ctx, name, cmdArgs)
	var stdout, stderr []byte
	if v := args.Get(0); v != nil {
		stdout = v.([]byte)
	}
	if v := args.Get(1); v != nil {
		stderr = v.([]byte)
	}
	return stdout, stderr, args.Int(2), args.Error(3)
}

// -- Store Mock --

// MockRunStore mocks the audit store: agent.Recorder plus the read side
// used by the report command.
type MockRunStore struct {
	mock.Mock
}

// Migrate provides a mock function for schema creation.
func (m *MockRunStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// StartRun provides a mock function for recording a run start.
func (m *MockRunStore) StartRun(ctx context.Context, run agent.RunInfo) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

// RecordStep provides a mock function for recording a step.
func (m *MockRunStore) RecordStep(ctx context.Context, runID string, step agent.StepRecord, findings []schemas.Finding) error {
	args := m.Called(ctx, runID, step, findings)
	return args.Error(0)
}

// FinishRun provides a mock function for recording the outcome.
func (m *MockRunStore) FinishRun(ctx context.Context, report *agent.RunReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// GetRun provides a mock function for loading a run row.
func (m *MockRunStore) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.RunRecord), args.Error(1)
}

// GetRunSteps provides a mock function for loading the steps of a run.
func (m *MockRunStore) GetRunSteps(ctx context.Context, runID string) ([]store.StepRow, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.StepRow), args.Error(1)
}

// GetRunFindings provides a mock function for loading the findings of a run.
func (m *MockRunStore) GetRunFindings(ctx context.Context, runID string) ([]schemas.Finding, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Finding), args.Error(1)
}
