// internal/agent/models.go
package agent

import (
	"time"

	"github.com/xkilldash9x/flagrunner/api/schemas"
)

// EngineState is the coordination loop's current phase.
type EngineState string

const (
	StateIdle       EngineState = "IDLE"
	StatePlanning   EngineState = "PLANNING"   // Producing the initial queue.
	StateExecuting  EngineState = "EXECUTING"  // Popping a todo and running the executor oracle.
	StateUpdating   EngineState = "UPDATING"   // Folding the report into state and findings.
	StateDeciding   EngineState = "DECIDING"   // Termination checks, then replanning.
	StateTerminated EngineState = "TERMINATED" // Terminal.
)

// TerminationReason says why a run ended.
type TerminationReason string

const (
	OutcomeSuccess            TerminationReason = "success"              // A flag capture is in the ledger.
	OutcomeFatalLoginFailures TerminationReason = "fatal_login_failures" // Too many consecutive session expiries.
	OutcomeExhausted          TerminationReason = "exhausted"            // Iteration bound hit or nothing left to do.
	OutcomeInterrupted        TerminationReason = "interrupted"          // The caller cancelled the run.
)

// StepRecord is the history entry for one executed todo. State and the
// finding count are snapshots taken before the step ran.
type StepRecord struct {
	Index          int           `json:"index"`
	Todo           string        `json:"todo"`
	Report         string        `json:"report"` // Flattened and truncated.
	StateBefore    SessionState  `json:"state_before"`
	FindingsBefore int           `json:"findings_before"`
	NewFindings    int           `json:"new_findings"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// StepRef is the (index, todo) pair shown to the planner.
type StepRef struct {
	Index int    `json:"index"`
	Todo  string `json:"todo"`
}

// RunInfo identifies a run to a Recorder.
type RunInfo struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	TargetBase string    `json:"target_base"`
	StartedAt  time.Time `json:"started_at"`
}

// RunReport is everything a finished run produced.
type RunReport struct {
	RunID          string            `json:"run_id"`
	Goal           string            `json:"goal"`
	Outcome        TerminationReason `json:"outcome"`
	Iterations     int               `json:"iterations"`
	CompletedTodos []string          `json:"completed_todos"`
	FinalState     SessionState      `json:"final_state"`
	Findings       []schemas.Finding `json:"findings"`
	Steps          []StepRecord      `json:"steps"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}
