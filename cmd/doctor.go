// File: cmd/doctor.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/llmclient"
	"github.com/xkilldash9x/flagrunner/internal/observability"
)

const doctorCheckTimeout = 15 * time.Second

// errSkipped marks a check that does not apply to the current configuration.
var errSkipped = errors.New("skipped")

type checkResult struct {
	name   string
	detail string
	err    error
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func newDoctorCmd(deps dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the model, sandbox and database are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runDoctor(ctx, observability.GetLogger(), cfg, deps, cmd.OutOrStdout())
		},
	}
}

// runDoctor runs every preflight check concurrently. A failing check does
// not cancel the others.
func runDoctor(ctx context.Context, logger *zap.Logger, cfg *config.Config, deps dependencies, out io.Writer) error {
	checks := doctorChecks(cfg, deps, logger)
	results := make([]checkResult, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
			defer cancel()
			detail, err := check.run(checkCtx)
			results[i] = checkResult{name: check.name, detail: detail, err: err}
			if err != nil && !errors.Is(err, errSkipped) {
				return fmt.Errorf("%s: %w", check.name, err)
			}
			return nil
		})
	}
	groupErr := g.Wait()

	var failed []string
	for _, res := range results {
		status := "ok"
		detail := res.detail
		switch {
		case errors.Is(res.err, errSkipped):
			status = "skip"
		case res.err != nil:
			status = "FAIL"
			detail = res.err.Error()
			failed = append(failed, res.name)
		}
		fmt.Fprintf(out, "[%-4s] %-9s %s\n", status, res.name, detail)
	}

	if groupErr != nil {
		logger.Warn("Preflight checks failed", zap.Strings("checks", failed))
		return fmt.Errorf("%d preflight check(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func doctorChecks(cfg *config.Config, deps dependencies, logger *zap.Logger) []doctorCheck {
	dlog := logger.Named("doctor")
	return []doctorCheck{
		{name: "config", run: func(ctx context.Context) (string, error) {
			if err := cfg.Validate(); err != nil {
				return "", err
			}
			return fmt.Sprintf("max_iterations=%d max_login_failures=%d", cfg.Engine.MaxIterations, cfg.Engine.MaxLoginFailures), nil
		}},
		{name: "llm", run: func(ctx context.Context) (string, error) {
			router, err := llmclient.NewRouterFromConfig(ctx, cfg.Agent.LLM, dlog)
			if err != nil {
				return "", err
			}
			_ = router.Close()
			detail := fmt.Sprintf("fast=%s powerful=%s", cfg.Agent.LLM.DefaultFastModel, cfg.Agent.LLM.DefaultPowerfulModel)
			if model, err := cfg.Agent.LLM.Model(cfg.Agent.LLM.DefaultPowerfulModel); err == nil && model.APIKey == "" {
				detail += " (no API key set)"
			}
			return detail, nil
		}},
		{name: "sandbox", run: func(ctx context.Context) (string, error) {
			reg := deps.sandbox.Create(cfg.Sandbox, dlog)
			if err := reg.Ping(ctx); err != nil {
				return "", err
			}
			if reg.Preset() == "" {
				return "docker reachable, no preset sandbox (SANDBOX_ID)", nil
			}
			if _, err := reg.Resolve(ctx, ""); err != nil {
				return "", err
			}
			return fmt.Sprintf("attached to %s", reg.Preset()), nil
		}},
		{name: "database", run: func(ctx context.Context) (string, error) {
			if cfg.Database.URL == "" {
				return "database.url not set", errSkipped
			}
			st, cleanup, err := deps.stores.Create(ctx, cfg)
			if err != nil {
				return "", err
			}
			if cleanup != nil {
				defer cleanup()
			}
			if err := st.Migrate(ctx); err != nil {
				return "", err
			}
			return "connected, schema ready", nil
		}},
	}
}
