// Package journal keeps a sqlite history of command outcomes and cycle
// state changes for operators. It is never on the control path: losing the
// journal loses history, not control.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Kind classifies a journal entry.
type Kind string

const (
	KindCommand Kind = "command"
	KindCycle   Kind = "cycle"
)

// Event is one journal row.
type Event struct {
	ID        string
	Kind      Kind
	Agent     string
	Key       string
	Value     string
	CommandID string
	Outcome   string
	Error     string
	At        time.Time
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Since time.Time
	Kind  Kind
	Agent string
	Limit int
}

type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path and applies migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append stores an event, assigning an ID and timestamp when missing.
func (j *Journal) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.Kind != KindCommand && ev.Kind != KindCycle {
		return Event{}, fmt.Errorf("unknown journal kind %q", ev.Kind)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO events(event_id, kind, agent, key, value, command_id, outcome, error, at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, string(ev.Kind), ev.Agent, ev.Key, ev.Value, nullIfEmpty(ev.CommandID), nullIfEmpty(ev.Outcome), nullIfEmpty(ev.Error), ev.At.UnixMilli())
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// Get returns one event by ID.
func (j *Journal) Get(ctx context.Context, id string) (Event, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT event_id, kind, agent, key, value, command_id, outcome, error, at_ms
FROM events
WHERE event_id = ?
`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

// List returns matching events, oldest first. With a limit, the newest
// events within the limit are kept.
func (j *Journal) List(ctx context.Context, f Filter) ([]Event, error) {
	query := `
SELECT event_id, kind, agent, key, value, command_id, outcome, error, at_ms
FROM events
WHERE at_ms >= ?`
	args := []any{f.Since.UnixMilli()}
	if f.Since.IsZero() {
		args[0] = int64(0)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	query += ` ORDER BY at_ms DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Prune deletes events older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (Event, error) {
	var (
		ev                          Event
		kind                        string
		commandID, outcome, errText sql.NullString
		atMs                        int64
	)
	if err := s.Scan(&ev.ID, &kind, &ev.Agent, &ev.Key, &ev.Value, &commandID, &outcome, &errText, &atMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = Kind(kind)
	ev.CommandID = commandID.String
	ev.Outcome = outcome.String
	ev.Error = errText.String
	ev.At = time.UnixMilli(atMs)
	return ev, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
