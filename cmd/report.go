// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/observability"
	"github.com/xkilldash9x/flagrunner/internal/store"
)

// runStore is the audit ledger as the commands see it: a Recorder for live
// runs plus the read side used to rebuild reports.
type runStore interface {
	agent.Recorder
	Migrate(ctx context.Context) error
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	GetRunSteps(ctx context.Context, runID string) ([]store.StepRow, error)
	GetRunFindings(ctx context.Context, runID string) ([]schemas.Finding, error)
}

// storeProvider creates the run store. Tests inject a mock instead of a live
// database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function that releases the pool.
	Create(ctx context.Context, cfg *config.Config) (runStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the configured database and returns the store along
// with a cleanup function that closes the pool.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (runStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (FLAGRUNNER_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}

// newReportCmd creates the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var runID string
	var outputPath string
	var format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render the report of a recorded run",
		Long: `Loads a run, its steps and its findings from the database and renders
them in the requested format. Session state is never stored, so the final
state of a rebuilt report is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if outputPath != "" {
				cfg.Report.Output = outputPath
			}
			if format != "" {
				cfg.Report.Format = format
			}
			return runReport(ctx, logger, cfg, runID, provider, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "The ID of the run to report on (required)")
	_ = reportCmd.MarkFlagRequired("run-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	reportCmd.Flags().StringVarP(&format, "format", "f", "", "Report format: text, json or sarif (default from report.format)")

	return reportCmd
}

// runReport contains the testable core of the report command.
func runReport(ctx context.Context, logger *zap.Logger, cfg *config.Config, runID string, provider storeProvider, stdout io.Writer) error {
	logger.Info("Starting report generation", zap.String("run_id", runID))

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	report, err := loadRunReport(ctx, st, runID)
	if err != nil {
		logger.Error("Failed to load run", zap.Error(err), zap.String("run_id", runID))
		return err
	}
	return emitReport(logger, report, cfg.Report, stdout)
}

// loadRunReport rebuilds a RunReport from the stored rows.
func loadRunReport(ctx context.Context, st runStore, runID string) (*agent.RunReport, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	steps, err := st.GetRunSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	findings, err := st.GetRunFindings(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	report := &agent.RunReport{
		RunID:      run.ID,
		Goal:       run.Goal,
		Outcome:    agent.TerminationReason(run.Outcome),
		Iterations: run.Iterations,
		Findings:   findings,
		StartedAt:  run.StartedAt,
		FinishedAt: run.StartedAt,
	}
	if run.FinishedAt != nil {
		report.FinishedAt = *run.FinishedAt
	}
	for _, s := range steps {
		report.CompletedTodos = append(report.CompletedTodos, s.Todo)
		report.Steps = append(report.Steps, agent.StepRecord{
			Index:          s.Index,
			Todo:           s.Todo,
			Report:         s.Report,
			FindingsBefore: s.FindingsBefore,
			NewFindings:    s.NewFindings,
			StartedAt:      s.StartedAt,
			Duration:       s.Duration,
		})
	}
	return report, nil
}
