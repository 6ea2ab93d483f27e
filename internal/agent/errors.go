// internal/agent/errors.go
package agent

import "errors"

// ErrorCode classifies a failed tool call in the observation shown to the
// executor oracle, so the model can react to the kind of failure.
type ErrorCode string

const (
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownTool       ErrorCode = "UNKNOWN_TOOL"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeOutOfScope        ErrorCode = "OUT_OF_SCOPE"
	ErrCodeSandboxFailure    ErrorCode = "SANDBOX_FAILURE"
	ErrCodeToolPanic         ErrorCode = "TOOL_PANIC"
)

var (
	// ErrEmptyGoal is returned by Run when no goal text is given.
	ErrEmptyGoal = errors.New("goal must not be empty")
	// ErrNoPlanner and ErrNoExecutor are returned by NewEngine for missing oracles.
	ErrNoPlanner  = errors.New("a planner is required")
	ErrNoExecutor = errors.New("an executor is required")
)

// executionFailedPrefix starts the textual report that replaces a failed
// executor call.
const executionFailedPrefix = "execution failed: "
