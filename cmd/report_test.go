// File: cmd/report_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/mocks"
	"github.com/xkilldash9x/flagrunner/internal/store"
)

func storedRun() (*store.RunRecord, []store.StepRow, []schemas.Finding) {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	run := &store.RunRecord{
		ID:         "run-7",
		Goal:       "capture the flag",
		TargetBase: "http://target.local",
		Outcome:    "success",
		Iterations: 2,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	steps := []store.StepRow{
		{Index: 1, Todo: "fetch /", Report: "[DISCOVERY] /admin", NewFindings: 1, StartedAt: started, Duration: time.Second},
		{Index: 2, Todo: "fetch /admin", Report: "[FLAG] flag{x}", FindingsBefore: 1, NewFindings: 1, StartedAt: started.Add(time.Minute), Duration: 2 * time.Second},
	}
	findings := []schemas.Finding{
		{Kind: schemas.KindDiscovery, Body: "Discovery: /admin", Step: 1, ObservedAt: started},
		{Kind: schemas.KindFlagCapture, Body: "FLAG: flag{x}", Step: 2, ObservedAt: started.Add(time.Minute)},
	}
	return run, steps, findings
}

func TestRunReport_RendersStoredRun(t *testing.T) {
	run, steps, findings := storedRun()
	st := new(mocks.MockRunStore)
	st.On("GetRun", mock.Anything, "run-7").Return(run, nil)
	st.On("GetRunSteps", mock.Anything, "run-7").Return(steps, nil)
	st.On("GetRunFindings", mock.Anything, "run-7").Return(findings, nil)
	stores := &fakeStores{store: st}

	cfg := newTestConfig()
	cfg.Report.Format = "text"
	var out bytes.Buffer
	require.NoError(t, runReport(context.Background(), zap.NewNop(), cfg, "run-7", stores, &out))

	want := "Run run-7\n" +
		"Goal: capture the flag\n" +
		"Outcome: success after 2 iteration(s) in 1m30s\n" +
		"\nSteps:\n" +
		"  [1] fetch / (+1 findings)\n" +
		"  [2] fetch /admin (+1 findings)\n" +
		"\nFinal State: credential: None, identity: None, targetBase: None\n" +
		"Findings: [Discovery: /admin; FLAG: flag{x}]\n"
	assert.Equal(t, want, out.String())
	assert.True(t, stores.cleaned)
	st.AssertExpectations(t)
}

func TestLoadRunReport_UnfinishedRun(t *testing.T) {
	run, _, _ := storedRun()
	run.Outcome = ""
	run.FinishedAt = nil
	st := new(mocks.MockRunStore)
	st.On("GetRun", mock.Anything, "run-7").Return(run, nil)
	st.On("GetRunSteps", mock.Anything, "run-7").Return(nil, nil)
	st.On("GetRunFindings", mock.Anything, "run-7").Return(nil, nil)

	report, err := loadRunReport(context.Background(), st, "run-7")
	require.NoError(t, err)
	assert.Zero(t, report.Duration())
	assert.Empty(t, report.Steps)
	assert.False(t, report.Succeeded())
}

func TestRunReport_Errors(t *testing.T) {
	t.Run("store unavailable", func(t *testing.T) {
		err := runReport(context.Background(), zap.NewNop(), newTestConfig(), "run-7",
			&fakeStores{err: errors.New("database URL is not configured")}, &bytes.Buffer{})
		assert.EqualError(t, err, "failed to initialize store: database URL is not configured")
	})

	t.Run("unknown run", func(t *testing.T) {
		st := new(mocks.MockRunStore)
		st.On("GetRun", mock.Anything, "nope").Return(nil, fmt.Errorf("%w: nope", store.ErrRunNotFound))

		err := runReport(context.Background(), zap.NewNop(), newTestConfig(), "nope", &fakeStores{store: st}, &bytes.Buffer{})
		assert.ErrorIs(t, err, store.ErrRunNotFound)
	})

	t.Run("findings query fails", func(t *testing.T) {
		run, steps, _ := storedRun()
		st := new(mocks.MockRunStore)
		st.On("GetRun", mock.Anything, "run-7").Return(run, nil)
		st.On("GetRunSteps", mock.Anything, "run-7").Return(steps, nil)
		st.On("GetRunFindings", mock.Anything, "run-7").Return(nil, errors.New("timeout"))

		err := runReport(context.Background(), zap.NewNop(), newTestConfig(), "run-7", &fakeStores{store: st}, &bytes.Buffer{})
		assert.EqualError(t, err, "failed to load findings: timeout")
	})
}

func TestReportCmd_RequiresRunID(t *testing.T) {
	resetForTest(t)

	_, err := executeCommand(t, newRootCmd(dependencies{stores: &fakeStores{}}), "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "run-id" not set`)
}

func TestReportCmd_SARIFToStdout(t *testing.T) {
	resetForTest(t)
	run, steps, findings := storedRun()
	st := new(mocks.MockRunStore)
	st.On("GetRun", mock.Anything, "run-7").Return(run, nil)
	st.On("GetRunSteps", mock.Anything, "run-7").Return(steps, nil)
	st.On("GetRunFindings", mock.Anything, "run-7").Return(findings, nil)

	out, err := executeCommand(t, newRootCmd(dependencies{stores: &fakeStores{store: st}}), "report", "--run-id", "run-7", "-f", "sarif")
	require.NoError(t, err)
	assert.Contains(t, out, `"ruleId": "FR-FLAG"`)
	assert.Contains(t, out, `"ruleId": "FR-DISCOVERY"`)
}
