// Package sqlite implements the run archive on an embedded SQLite
// database via the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	nerve "github.com/nerveworks/nerve"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id      TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	snapshot    TEXT NOT NULL,
	start_ms    INTEGER NOT NULL,
	end_ms      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_wf
	ON workflow_runs(workflow_id, start_ms DESC);

CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	type   TEXT NOT NULL,
	data   TEXT,
	ts_ms  INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store is a RunStore on an embedded SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the archive database at path and
// applies the schema. The pool is capped at one connection: the modernc
// driver serializes writers, and the archive is low-traffic.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("run_store_opened", "driver", "sqlite", "path", path)
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (run_id, workflow_id, state, snapshot, start_ms, end_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			end_ms = excluded.end_ms`,
		info.ID, info.WorkflowID, string(info.State), string(snapshot),
		info.StartTime.UnixMilli(), endMS)
	if err != nil {
		return fmt.Errorf("save run %s: %w", info.ID, err)
	}
	return nil
}

// AppendEvent records one run event. Replays of the same (run, seq)
// pair are ignored.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev nerve.Event) error {
	var data []byte
	if ev.Data != nil {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_events (run_id, seq, type, data, ts_ms)
		VALUES (?, ?, ?, ?, ?)`,
		runID, ev.Seq, ev.Type, nullableString(data), ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", runID, ev.Seq, err)
	}
	return nil
}

// GetRun returns the archived snapshot with the event log overlaid from
// the events table, which stays current while a run is in flight.
func (s *Store) GetRun(ctx context.Context, runID string) (nerve.RunInfo, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_runs WHERE run_id = ?`, runID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nerve.RunInfo{}, &nerve.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return nerve.RunInfo{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	var info nerve.RunInfo
	if err := json.Unmarshal([]byte(snapshot), &info); err != nil {
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, data, ts_ms FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []nerve.Event
	for rows.Next() {
		var (
			ev   nerve.Event
			data sql.NullString
			tsMS int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &tsMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
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
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY start_ms DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []nerve.RunInfo
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var info nerve.RunInfo
		if err := json.Unmarshal([]byte(snapshot), &info); err != nil {
			return nil, fmt.Errorf("parse run: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ nerve.RunStore = (*Store)(nil)
