package agent

// ReplanReason explains why the queue is being regenerated.
type ReplanReason string

const (
	ReasonSessionLost ReplanReason = "session lost, login required"
	ReasonNewFindings ReplanReason = "new findings"
	ReasonQueueEmpty  ReplanReason = "queue empty"
)

// ReplanInput is the post-step view the policy decides on.
type ReplanInput struct {
	State              SessionState
	SessionEstablished bool
	Pending            *TodoQueue
	NewFindings        int
}

// ReplanPolicy decides when to regenerate the todo queue and filters the
// planner's answer against recent work.
type ReplanPolicy struct {
	// CompletedWindow is how many of the most recent completed todos a new
	// todo is checked against.
	CompletedWindow int
}

// NewReplanPolicy returns a policy with the given window, defaulting to 5.
func NewReplanPolicy(completedWindow int) ReplanPolicy {
	if completedWindow <= 0 {
		completedWindow = 5
	}
	return ReplanPolicy{CompletedWindow: completedWindow}
}

// Evaluate returns every reason that applies, in priority order. An empty
// result means the current queue stands.
func (p ReplanPolicy) Evaluate(in ReplanInput) []ReplanReason {
	var reasons []ReplanReason
	if !in.State.Has(KeyCredential) && in.SessionEstablished && !in.Pending.AnyMatch(IsLoginTask) {
		reasons = append(reasons, ReasonSessionLost)
	}
	if in.NewFindings > 0 {
		reasons = append(reasons, ReasonNewFindings)
	}
	if in.Pending.Len() == 0 {
		reasons = append(reasons, ReasonQueueEmpty)
	}
	return reasons
}

// Filter drops new todos that are a case-insensitive substring of one of the
// last CompletedWindow completed todos. Order is preserved.
func (p ReplanPolicy) Filter(newTodos []string, completed *CompletedLog) []string {
	recent := completed.Recent(p.CompletedWindow)
	kept := make([]string, 0, len(newTodos))
	for _, t := range newTodos {
		if CoveredBy(t, recent) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
