package agent

import "strings"

// TodoQueue is the FIFO of pending natural-language tasks.
type TodoQueue struct {
	items []string
}

// NewTodoQueue creates a queue holding items in order.
func NewTodoQueue(items ...string) *TodoQueue {
	q := &TodoQueue{}
	q.Replace(items)
	return q
}

// Pop removes and returns the head of the queue.
func (q *TodoQueue) Pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Replace discards every pending todo and installs items.
func (q *TodoQueue) Replace(items []string) {
	q.items = append([]string(nil), items...)
}

// Len returns the number of pending todos.
func (q *TodoQueue) Len() int {
	return len(q.items)
}

// Items returns a copy of the pending todos.
func (q *TodoQueue) Items() []string {
	return append([]string(nil), q.items...)
}

// AnyMatch reports whether a pending todo satisfies pred.
func (q *TodoQueue) AnyMatch(pred func(string) bool) bool {
	for _, t := range q.items {
		if pred(t) {
			return true
		}
	}
	return false
}

// CompletedLog records todos at the moment they are popped, whatever the
// outcome of their execution.
type CompletedLog struct {
	items []string
}

// Append records todo.
func (c *CompletedLog) Append(todo string) {
	c.items = append(c.items, todo)
}

// All returns a copy of every recorded todo in order.
func (c *CompletedLog) All() []string {
	return append([]string(nil), c.items...)
}

// Recent returns a copy of the last n todos.
func (c *CompletedLog) Recent(n int) []string {
	if n <= 0 {
		return nil
	}
	start := len(c.items) - n
	if start < 0 {
		start = 0
	}
	return append([]string(nil), c.items[start:]...)
}

// Len returns the number of recorded todos.
func (c *CompletedLog) Len() int {
	return len(c.items)
}

// CoveredBy reports whether todo appears, case-insensitively, inside any of
// completed.
func CoveredBy(todo string, completed []string) bool {
	needle := strings.ToLower(todo)
	for _, c := range completed {
		if strings.Contains(strings.ToLower(c), needle) {
			return true
		}
	}
	return false
}
