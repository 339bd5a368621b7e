package reporting

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS harness_runs (
	run_id TEXT PRIMARY KEY,
	test_package TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	result TEXT NOT NULL,
	total INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	ignored INTEGER NOT NULL,
	system_failures INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS harness_results (
	id SERIAL PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES harness_runs(run_id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	result TEXT NOT NULL,
	runtime DOUBLE PRECISION NOT NULL,
	message TEXT NOT NULL
);
`

// PostgresSink records every run and its results in Postgres.
type PostgresSink struct {
	pool *pgxpool.Pool
	log  log.Logger
}

// NewPostgresSink connects to uri and creates the tables if needed.
func NewPostgresSink(ctx context.Context, uri string, logger log.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = log.New()
	}
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresSink{pool: pool, log: logger}, nil
}

func (s *PostgresSink) Emit(ctx context.Context, report *TestReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := s.insert(ctx, tx, report); err != nil {
		if rbErr := tx.Rollback(context.Background()); rbErr != nil {
			s.log.Error("Error rolling back transaction", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit report %s: %w", report.RunID(), err)
	}
	return nil
}

func (s *PostgresSink) insert(ctx context.Context, tx pgx.Tx, report *TestReport) error {
	stats := report.Stats()
	if _, err := tx.Exec(ctx, `
INSERT INTO harness_runs (run_id, test_package, started_at, completed_at, result, total, passed, failed, ignored, system_failures)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (run_id) DO NOTHING
`,
		report.RunID(),
		report.TestPackage(),
		report.Started(),
		report.Completed(),
		report.FinalResult().String(),
		stats.Total,
		stats.Passed,
		stats.Failed,
		stats.Ignored,
		stats.SystemFailures,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, res := range report.Results() {
		message := ""
		if res.Result != ResultPassed {
			message = res.FailureMessage()
		}
		batch.Queue(`
INSERT INTO harness_results (run_id, name, instance_id, result, runtime, message)
VALUES ($1, $2, $3, $4, $5, $6)
`, report.RunID(), res.FullName(), res.InstanceID, res.Result.String(), res.Duration().Seconds(), message)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert results: %w", err)
	}
	return nil
}

// RunResult returns the stored verdict of runID.
func (s *PostgresSink) RunResult(ctx context.Context, runID string) (string, int, error) {
	var result string
	var total int
	row := s.pool.QueryRow(ctx, `SELECT result, total FROM harness_runs WHERE run_id = $1`, runID)
	if err := row.Scan(&result, &total); err != nil {
		return "", 0, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return result, total, nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
