// Package postgres implements the run archive on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	nerve "github.com/nerveworks/nerve"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id      TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	snapshot    JSONB NOT NULL,
	start_ms    BIGINT NOT NULL,
	end_ms      BIGINT
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_wf
	ON workflow_runs(workflow_id, start_ms DESC);

CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	type   TEXT NOT NULL,
	data   JSONB,
	ts_ms  BIGINT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store is a RunStore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	// ownsPool is set when the store opened the pool itself and should
	// close it on Close.
	ownsPool bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an existing pool. The caller keeps ownership of the pool;
// Close does not close it.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Open connects to dsn, applies the schema, and returns a store owning
// its pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	s.logger.Debug("run_store_opened", "driver", "postgres")
	return s, nil
}

// SaveRun upserts the run snapshot.
func (s *Store) SaveRun(ctx context.Context, info nerve.RunInfo) error {
	snapshot, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", info.ID, err)
	}
	var endMS *int64
	if info.EndTime != nil {
		ms := info.EndTime.UnixMilli()
		endMS = &ms
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (run_id, workflow_id, state, snapshot, start_ms, end_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state,
			snapshot = EXCLUDED.snapshot,
			end_ms = EXCLUDED.end_ms`,
		info.ID, info.WorkflowID, string(info.State), snapshot,
		info.StartTime.UnixMilli(), endMS)
	if err != nil {
		return fmt.Errorf("save run %s: %w", info.ID, err)
	}
	return nil
}

// AppendEvent records one run event; replays of a (run, seq) pair are
// ignored.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev nerve.Event) error {
	var data []byte
	if ev.Data != nil {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_events (run_id, seq, type, data, ts_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, seq) DO NOTHING`,
		runID, ev.Seq, ev.Type, data, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", runID, ev.Seq, err)
	}
	return nil
}

// GetRun returns the archived snapshot with the event log overlaid.
func (s *Store) GetRun(ctx context.Context, runID string) (nerve.RunInfo, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM workflow_runs WHERE run_id = $1`, runID).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nerve.RunInfo{}, &nerve.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nerve.RunInfo{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	var info nerve.RunInfo
	if err := json.Unmarshal(snapshot, &info); err != nil {
		return nerve.RunInfo{}, fmt.Errorf("parse run %s: %w", runID, err)
	}
	events, err := s.loadEvents(ctx, runID)
	if err != nil {
		return nerve.RunInfo{}, err
	}
	if len(events) > len(info.Events) {
		info.Events = events
	}
	return info, nil
}

func (s *Store) loadEvents(ctx context.Context, runID string) ([]nerve.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, type, data, ts_ms FROM run_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []nerve.Event
	for rows.Next() {
		var (
			ev   nerve.Event
			data []byte
			tsMS int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &tsMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("parse event data: %w", err)
			}
		}
		ev.Timestamp = time.UnixMilli(tsMS)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRuns returns snapshots newest first, optionally filtered by
// workflow id and capped at limit.
func (s *Store) ListRuns(ctx context.Context, workflowID string, limit int) ([]nerve.RunInfo, error) {
	query := `SELECT snapshot FROM workflow_runs`
	args := []any{}
	if workflowID != "" {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` ORDER BY start_ms DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []nerve.RunInfo
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var info nerve.RunInfo
		if err := json.Unmarshal(snapshot, &info); err != nil {
			return nil, fmt.Errorf("parse run: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the pool when the store owns it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

var _ nerve.RunStore = (*Store)(nil)
