// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-process-hub/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultRunTable = "process_runs"

// RunStoreConfig controls the Postgres connection pool used for run history.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultRunTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run history table when it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	owner_id      TEXT        NOT NULL,
	process_id    TEXT        NOT NULL,
	type          TEXT        NOT NULL DEFAULT '',
	title         TEXT        NOT NULL DEFAULT '',
	status        TEXT        NOT NULL,
	progress      INTEGER     NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	result_ref    TEXT,
	error_message TEXT,
	PRIMARY KEY (owner_id, process_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertRunStart inserts a running row or resets an earlier run with the same key.
func (s *RunStore) UpsertRunStart(ctx context.Context, run store.ProcessRun) error {
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = run.StartedAt
	}
	query := fmt.Sprintf(`
INSERT INTO %s (owner_id, process_id, type, title, status, progress, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner_id, process_id) DO UPDATE
SET type = EXCLUDED.type,
	title = EXCLUDED.title,
	status = EXCLUDED.status,
	progress = EXCLUDED.progress,
	started_at = EXCLUDED.started_at,
	updated_at = EXCLUDED.updated_at,
	finished_at = NULL,
	result_ref = NULL,
	error_message = NULL`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.OwnerID,
		run.ProcessID,
		run.Type,
		run.Title,
		string(store.RunRunning),
		run.Progress,
		run.StartedAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// RecordProgress stores the latest percentage of a running row.
func (s *RunStore) RecordProgress(ctx context.Context, ownerID, processID string, progress int, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET progress = $1, updated_at = $2
WHERE owner_id = $3 AND process_id = $4 AND status = $5`, s.table)
	_, err := s.pool.Exec(ctx, query, progress, at, ownerID, processID, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// FinishRun marks a running row finished with the provided outcome.
func (s *RunStore) FinishRun(ctx context.Context, ownerID, processID string, outcome store.RunOutcome) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, progress = $2, finished_at = $3, updated_at = $3, result_ref = $4, error_message = $5
WHERE owner_id = $6 AND process_id = $7 AND status = $8`, s.table)
	_, err := s.pool.Exec(ctx, query,
		string(outcome.Status),
		outcome.Progress,
		outcome.FinishedAt,
		outcome.ResultRef,
		outcome.ErrorMessage,
		ownerID,
		processID,
		string(store.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by owner and process id.
func (s *RunStore) GetRun(ctx context.Context, ownerID, processID string) (store.ProcessRun, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE owner_id = $1 AND process_id = $2`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, ownerID, processID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ProcessRun{}, store.ErrNotFound
		}
		return store.ProcessRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.ProcessRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.ProcessRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

const runColumns = `owner_id, process_id, type, title, status, progress, started_at, updated_at,
	finished_at, result_ref, error_message`

func scanRun(row pgx.Row) (store.ProcessRun, error) {
	var (
		run    store.ProcessRun
		status string
	)
	err := row.Scan(
		&run.OwnerID,
		&run.ProcessID,
		&run.Type,
		&run.Title,
		&status,
		&run.Progress,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.ResultRef,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.ProcessRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
