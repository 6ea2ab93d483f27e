// File: internal/agent/interfaces.go
package agent

import (
	"context"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/network"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

// Executor performs one todo and returns a free-text report. Implementations
// may return an error; the engine converts it into a failure report.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (string, error)
}

// Recorder receives an audit trail of the run. Errors are logged by the
// engine and never stop the run.
type Recorder interface {
	StartRun(ctx context.Context, run RunInfo) error
	RecordStep(ctx context.Context, runID string, step StepRecord, findings []schemas.Finding) error
	FinishRun(ctx context.Context, report *RunReport) error
}

// Tool is one capability the executor model can call.
type Tool interface {
	Name() string
	// Description tells the model what the tool does and which args it takes.
	Description() string
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// HTTPProber sends a single outbound request to the target.
type HTTPProber interface {
	Do(ctx context.Context, req network.ProbeRequest) (*network.ProbeResponse, error)
}

// CommandSandbox runs commands and writes files inside an isolated container.
type CommandSandbox interface {
	Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.Result, error)
	WriteFile(ctx context.Context, path, content string) (string, error)
}

// SandboxProvider resolves a sandbox by id; an empty id means the preset.
type SandboxProvider func(ctx context.Context, id string) (CommandSandbox, error)

// RegistrySandboxes adapts a sandbox.Registry to a SandboxProvider.
func RegistrySandboxes(reg *sandbox.Registry) SandboxProvider {
	return func(ctx context.Context, id string) (CommandSandbox, error) {
		sb, err := reg.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		return sb, nil
	}
}
