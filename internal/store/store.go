package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
)

// ErrRunNotFound is returned when no run row matches the requested id.
var ErrRunNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaStatements create the audit tables. Session state is never stored.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        goal TEXT NOT NULL,
        target_base TEXT NOT NULL DEFAULT '',
        outcome TEXT,
        iterations INTEGER NOT NULL DEFAULT 0,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS run_steps (
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        step_index INTEGER NOT NULL,
        todo TEXT NOT NULL,
        report TEXT NOT NULL,
        findings_before INTEGER NOT NULL,
        new_findings INTEGER NOT NULL,
        started_at TIMESTAMPTZ NOT NULL,
        duration_ms BIGINT NOT NULL,
        PRIMARY KEY (run_id, step_index)
    );`,
	`CREATE TABLE IF NOT EXISTS run_findings (
        id BIGSERIAL PRIMARY KEY,
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        step_index INTEGER NOT NULL,
        kind TEXT NOT NULL,
        body TEXT NOT NULL,
        observed_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS run_findings_run_id_idx ON run_findings (run_id, step_index);`,
}

// RunRecord is the stored summary of one run.
type RunRecord struct {
	ID         string
	Goal       string
	TargetBase string
	Outcome    string // Empty while the run is in progress.
	Iterations int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StepRow is one stored step.
type StepRow struct {
	Index          int
	Todo           string
	Report         string
	FindingsBefore int
	NewFindings    int
	StartedAt      time.Time
	Duration       time.Duration
}

// Store is the PostgreSQL audit ledger. It implements agent.Recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ agent.Recorder = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, stmt := range schemaStatements {
			batch.Queue(stmt)
		}
		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return fmt.Errorf("failed to send batch: batch results is nil")
		}
		defer func() {
			_ = br.Close()
		}()
		for i := range schemaStatements {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
			}
		}
		return nil
	})
}

// StartRun inserts the run row. Starting the same run twice is a no-op.
func (s *Store) StartRun(ctx context.Context, run agent.RunInfo) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO runs (id, goal, target_base, started_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO NOTHING;
    `, run.ID, run.Goal, run.TargetBase, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// RecordStep writes the step row and its new findings in one transaction.
func (s *Store) RecordStep(ctx context.Context, runID string, step agent.StepRecord, findings []schemas.Finding) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO run_steps (run_id, step_index, todo, report, findings_before, new_findings, started_at, duration_ms)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
        `, runID, step.Index, step.Todo, step.Report, step.FindingsBefore, step.NewFindings,
			step.StartedAt.UTC(), step.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", step.Index, err)
		}
		if len(findings) == 0 {
			return nil
		}
		return s.persistFindings(ctx, tx, runID, findings)
	})
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, runID string, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		rows[i] = []interface{}{runID, f.Step, string(f.Kind), f.Body, f.ObservedAt.UTC()}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"run_findings"},
		[]string{"run_id", "step_index", "kind", "body", "observed_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

// FinishRun stamps the outcome on the run row.
func (s *Store) FinishRun(ctx context.Context, report *agent.RunReport) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE runs SET outcome = $2, iterations = $3, finished_at = $4
        WHERE id = $1;
    `, report.RunID, string(report.Outcome), report.Iterations, report.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", report.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, report.RunID)
	}
	return nil
}

// GetRun loads the run row.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var (
		rec     RunRecord
		outcome *string
	)
	err := s.pool.QueryRow(ctx, `
        SELECT id, goal, target_base, outcome, iterations, started_at, finished_at
        FROM runs
        WHERE id = $1;
    `, runID).Scan(&rec.ID, &rec.Goal, &rec.TargetBase, &outcome, &rec.Iterations, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if outcome != nil {
		rec.Outcome = *outcome
	}
	return &rec, nil
}

// GetRunSteps returns the stored steps in execution order.
func (s *Store) GetRunSteps(ctx context.Context, runID string) ([]StepRow, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT step_index, todo, report, findings_before, new_findings, started_at, duration_ms
        FROM run_steps
        WHERE run_id = $1
        ORDER BY step_index ASC;
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRow
	for rows.Next() {
		var (
			st         StepRow
			durationMs int64
		)
		if err := rows.Scan(&st.Index, &st.Todo, &st.Report, &st.FindingsBefore, &st.NewFindings, &st.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		st.Duration = time.Duration(durationMs) * time.Millisecond
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return steps, nil
}

// GetRunFindings returns the run's findings in the order they were recorded.
func (s *Store) GetRunFindings(ctx context.Context, runID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT kind, body, step_index, observed_at
        FROM run_findings
        WHERE run_id = $1
        ORDER BY step_index ASC, id ASC;
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			f    schemas.Finding
			kind string
		)
		if err := rows.Scan(&kind, &f.Body, &f.Step, &f.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Kind = schemas.FindingKind(kind)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
