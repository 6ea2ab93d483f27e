package agent

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/flagrunner/internal/config"
)

// setupObservedLogger returns a logger whose entries can be asserted on.
func setupObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// testEngineConfig returns the default engine bounds.
func testEngineConfig() config.EngineConfig {
	return config.NewDefaultConfig().Engine
}

// fixedClock advances one second per call so durations are deterministic.
func fixedClock() func() time.Time {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

// messages returns the logged messages in order.
func messages(logs *observer.ObservedLogs) []string {
	entries := logs.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
