package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplanPolicy_Evaluate(t *testing.T) {
	withCredential := NewSessionState("")
	withCredential.Set(KeyCredential, "s=1")
	noCredential := NewSessionState("")

	tests := []struct {
		name  string
		input ReplanInput
		want  []ReplanReason
	}{
		{
			name:  "queue empty without findings still replans",
			input: ReplanInput{State: withCredential, Pending: NewTodoQueue()},
			want:  []ReplanReason{ReasonQueueEmpty},
		},
		{
			name:  "session lost with no login pending",
			input: ReplanInput{State: noCredential, SessionEstablished: true, Pending: NewTodoQueue("read notes")},
			want:  []ReplanReason{ReasonSessionLost},
		},
		{
			name:  "session lost but a login is already queued",
			input: ReplanInput{State: noCredential, SessionEstablished: true, Pending: NewTodoQueue("login again")},
			want:  nil,
		},
		{
			name:  "never logged in",
			input: ReplanInput{State: noCredential, Pending: NewTodoQueue("read notes")},
			want:  nil,
		},
		{
			name:  "new findings",
			input: ReplanInput{State: withCredential, Pending: NewTodoQueue("read notes"), NewFindings: 2},
			want:  []ReplanReason{ReasonNewFindings},
		},
		{
			name:  "all reasons in priority order",
			input: ReplanInput{State: noCredential, SessionEstablished: true, Pending: NewTodoQueue(), NewFindings: 1},
			want:  []ReplanReason{ReasonSessionLost, ReasonNewFindings, ReasonQueueEmpty},
		},
	}

	policy := NewReplanPolicy(5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Evaluate(tt.input))
		})
	}
}

func TestReplanPolicy_Filter(t *testing.T) {
	completed := &CompletedLog{}
	for _, todo := range []string{
		"Observe the home page",
		"Login with admin:admin",
		"Enumerate /api/users",
		"Read /robots.txt",
		"Fetch /admin",
		"Test SQL injection on /search",
	} {
		completed.Append(todo)
	}

	policy := NewReplanPolicy(5)
	got := policy.Filter([]string{
		"observe the HOME page",   // only in the sixth-most-recent todo: kept
		"enumerate /API/users",    // inside a recent todo: dropped
		"Test SQL injection",      // prefix of a recent todo: dropped
		"Dump the users table",    // new: kept
		"Fetch /admin and /login", // longer than the completed one: kept
	}, completed)

	assert.Equal(t, []string{"observe the HOME page", "Dump the users table", "Fetch /admin and /login"}, got)
}

func TestNewReplanPolicy_DefaultWindow(t *testing.T) {
	assert.Equal(t, 5, NewReplanPolicy(0).CompletedWindow)
}
