package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xkilldash9x/flagrunner/internal/agent"
)

// TextReporter renders reports for a terminal.
type TextReporter struct {
	writer io.WriteCloser
}

// NewTextReporter creates a text reporter that owns writer.
func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

// Write prints the run header, the step log and the two-line summary.
func (r *TextReporter) Write(report *agent.RunReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", report.RunID)
	fmt.Fprintf(&b, "Goal: %s\n", report.Goal)
	fmt.Fprintf(&b, "Outcome: %s after %d iteration(s) in %s\n",
		report.Outcome, report.Iterations, report.Duration().Round(time.Millisecond))

	if len(report.Steps) > 0 {
		b.WriteString("\nSteps:\n")
		for _, s := range report.Steps {
			fmt.Fprintf(&b, "  [%d] %s (+%d findings)\n", s.Index, s.Todo, s.NewFindings)
		}
	}

	b.WriteString("\n")
	b.WriteString(report.Summary())
	b.WriteString("\n")

	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *TextReporter) Close() error {
	return r.writer.Close()
}
