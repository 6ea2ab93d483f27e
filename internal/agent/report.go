package agent

import (
	"fmt"
	"strings"
	"time"
)

// Succeeded reports whether the run captured a flag.
func (r *RunReport) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Duration is the wall-clock length of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders the final state and every finding as two lines.
func (r *RunReport) Summary() string {
	return fmt.Sprintf("Final State: %s\nFindings: [%s]",
		r.FinalState.String(), strings.Join(Bodies(r.Findings), "; "))
}
