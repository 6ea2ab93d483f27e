// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/flagrunner/internal/agent"
)

// Reporter writes finished run reports to an output.
type Reporter interface {
	// Write renders a single run report.
	Write(report *agent.RunReport) error
	// Close finalizes the output and closes any underlying file handle.
	Close() error
}

// Formats lists the supported output formats.
var Formats = []string{"text", "json", "sarif"}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath. An empty path or
// "stdout" writes to standard output.
func New(format, outputPath, toolVersion string) (Reporter, error) {
	if format == "" {
		format = "text"
	}
	if !isSupported(format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	if outputPath == "" || outputPath == "stdout" {
		return NewWriter(format, os.Stdout, toolVersion)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return newReporter(format, f, toolVersion), nil
}

// NewWriter creates a reporter that writes to w and never closes it.
func NewWriter(format string, w io.Writer, toolVersion string) (Reporter, error) {
	if format == "" {
		format = "text"
	}
	if !isSupported(format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return newReporter(format, &nopWriteCloser{w}, toolVersion), nil
}

func newReporter(format string, writer io.WriteCloser, toolVersion string) Reporter {
	switch format {
	case "sarif":
		return NewSARIFReporter(writer, toolVersion)
	case "json":
		return NewJSONReporter(writer)
	default:
		return NewTextReporter(writer)
	}
}

func isSupported(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}
