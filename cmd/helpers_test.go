// File: cmd/helpers_test.go
package cmd

import (
	"github.com/xkilldash9x/flagrunner/internal/config"
)

// newTestConfig returns the defaults pointed at a fake target with history
// recording off and reports going to stdout.
func newTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Logger.Level = "fatal"
	cfg.Network.Target = "http://target.local"
	cfg.Network.RequestsPerSecond = 0
	cfg.Database.URL = ""
	cfg.Report.Output = ""
	cfg.Report.Format = "json"
	return cfg
}
