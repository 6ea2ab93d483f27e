// internal/reporting/reporter_test.go
package reporting_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/reporting"
)

const testToolVersion = "v1.0.0-test"

// MockWriteCloser allows capturing output and simulating I/O errors.
type MockWriteCloser struct {
	Buffer    *bytes.Buffer
	FailWrite bool
	FailClose bool
}

func (m *MockWriteCloser) Write(p []byte) (n int, err error) {
	if m.FailWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *MockWriteCloser) Close() error {
	if m.FailClose {
		return errors.New("simulated close error")
	}
	return nil
}

func newMockWriter() *MockWriteCloser {
	return &MockWriteCloser{Buffer: new(bytes.Buffer)}
}

func sampleReport() *agent.RunReport {
	state := agent.NewSessionState("http://target.local")
	state.Set(agent.KeyCredential, "session=abc")
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &agent.RunReport{
		RunID:          "run-1",
		Goal:           "capture the flag",
		Outcome:        agent.OutcomeSuccess,
		Iterations:     2,
		CompletedTodos: []string{"Observe the home page", "Login with admin:admin"},
		FinalState:     state,
		Findings: []schemas.Finding{
			{Kind: schemas.KindDiscovery, Body: "Discovery: /login form", Step: 1, ObservedAt: started},
			{Kind: schemas.KindVulnerabilitySignal, Body: "Weak credentials: admin:admin", Step: 2, ObservedAt: started},
			{Kind: schemas.KindFlagCapture, Body: "FLAG: flag{done}", Step: 2, ObservedAt: started},
		},
		Steps: []agent.StepRecord{
			{Index: 1, Todo: "Observe the home page", NewFindings: 1},
			{Index: 2, Todo: "Login with admin:admin", NewFindings: 2},
		},
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}
}

// -- Factory --

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"", "text", "json", "sarif"} {
		t.Run("format="+format, func(t *testing.T) {
			r, err := reporting.New(format, "stdout", testToolVersion)
			require.NoError(t, err)
			assert.NotNil(t, r)
		})
	}

	r, err := reporting.New("json", "", testToolVersion)
	require.NoError(t, err)
	assert.IsType(t, &reporting.JSONReporter{}, r)

	r, err = reporting.New("", "", testToolVersion)
	require.NoError(t, err)
	assert.IsType(t, &reporting.TextReporter{}, r, "text is the default")
}

func TestNew_File(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "output.json")

	r, err := reporting.New("json", tmpFile, testToolVersion)
	require.NoError(t, err)
	require.NoError(t, r.Write(sampleReport()))
	require.NoError(t, r.Close())

	content, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"run_id": "run-1"`)
}

func TestNew_Failure_UnsupportedFormat(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "never.out")

	r, err := reporting.New("pdf", tmpFile, testToolVersion)
	assert.Nil(t, r)
	assert.EqualError(t, err, "unsupported output format: pdf")
	assert.NoFileExists(t, tmpFile, "no file is created for a rejected format")
}

func TestNew_Failure_BadPath(t *testing.T) {
	_, err := reporting.New("text", filepath.Join(t.TempDir(), "missing", "dir", "out.txt"), testToolVersion)
	assert.ErrorContains(t, err, "failed to create output file")
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	r, err := reporting.NewWriter("text", &buf, testToolVersion)
	require.NoError(t, err)
	require.NoError(t, r.Write(sampleReport()))
	require.NoError(t, r.Close())
	assert.Contains(t, buf.String(), "Run run-1\n")

	_, err = reporting.NewWriter("xml", &buf, testToolVersion)
	assert.EqualError(t, err, "unsupported output format: xml")
}

// -- Text --

func TestTextReporter(t *testing.T) {
	w := newMockWriter()
	r := reporting.NewTextReporter(w)

	require.NoError(t, r.Write(sampleReport()))
	require.NoError(t, r.Close())

	out := w.Buffer.String()
	assert.Contains(t, out, "Run run-1\nGoal: capture the flag\nOutcome: success after 2 iteration(s) in 1m30s\n")
	assert.Contains(t, out, "  [2] Login with admin:admin (+2 findings)\n")
	assert.Contains(t, out, "Final State: credential: session=abc, identity: None, targetBase: http://target.local\n"+
		"Findings: [Discovery: /login form; Weak credentials: admin:admin; FLAG: flag{done}]\n")
}

func TestTextReporter_WriteError(t *testing.T) {
	w := newMockWriter()
	w.FailWrite = true
	err := reporting.NewTextReporter(w).Write(sampleReport())
	assert.ErrorContains(t, err, "failed to write text report")
}

// -- JSON --

func TestJSONReporter(t *testing.T) {
	w := newMockWriter()
	r := reporting.NewJSONReporter(w)
	require.NoError(t, r.Write(sampleReport()))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Buffer.Bytes(), &decoded))
	assert.Equal(t, "success", decoded["outcome"])
	assert.Equal(t, map[string]interface{}{
		"credential": "session=abc",
		"targetBase": "http://target.local",
	}, decoded["final_state"])
	assert.Len(t, decoded["findings"], 3)
}
