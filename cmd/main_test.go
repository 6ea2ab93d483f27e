// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/observability"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

// resetForTest silences the global logger so PersistentPreRunE cannot
// replace it, and keeps config discovery away from the developer's files.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "json"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

// fakeAgents hands out preset oracles and remembers the tools it was given.
type fakeAgents struct {
	planner  agent.Planner
	executor agent.Executor
	err      error

	tools  *agent.ToolRegistry
	closed bool
}

func (f *fakeAgents) Create(ctx context.Context, cfg *config.Config, tools *agent.ToolRegistry, logger *zap.Logger) (agent.Planner, agent.Executor, func(), error) {
	f.tools = tools
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.planner, f.executor, func() { f.closed = true }, nil
}

// fakeStores returns a preset store.
type fakeStores struct {
	store runStore
	err   error

	calls   int
	cleaned bool
}

func (f *fakeStores) Create(ctx context.Context, cfg *config.Config) (runStore, func(), error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.store, func() { f.cleaned = true }, nil
}

// fakeSandboxes builds registries on a scripted docker runner.
type fakeSandboxes struct {
	runner sandbox.CommandRunner
}

func (f fakeSandboxes) Create(cfg config.SandboxConfig, logger *zap.Logger) *sandbox.Registry {
	return sandbox.NewRegistry(cfg, logger, sandbox.WithRunner(f.runner))
}

// executeCommand runs root with args and returns everything it printed.
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
