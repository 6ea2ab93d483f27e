package mocks_test

import (
	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/mocks"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

var (
	_ schemas.LLMClient     = (*mocks.MockLLMClient)(nil)
	_ agent.Planner         = (*mocks.MockPlanner)(nil)
	_ agent.Executor        = (*mocks.MockExecutor)(nil)
	_ agent.HTTPProber      = (*mocks.MockHTTPProber)(nil)
	_ agent.CommandSandbox  = (*mocks.MockCommandSandbox)(nil)
	_ sandbox.CommandRunner = (*mocks.MockCommandRunner)(nil)
	_ agent.Recorder        = (*mocks.MockRunStore)(nil)
)
