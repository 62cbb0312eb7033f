// Package journal keeps a local SQLite record of recovery actions.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Action names a recorded recovery event.
type Action string

const (
	ActionRecovered         Action = "recovered"
	ActionSoftRestart       Action = "soft_restart"
	ActionRestore           Action = "restore"
	ActionRestart           Action = "restart"
	ActionBackupUnavailable Action = "backup_unavailable"
	ActionIntegrityRepair   Action = "integrity_repair"
)

// Outcome is the result of a recorded action.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one journal row.
type Event struct {
	ID       uuid.UUID
	CycleID  string
	Resource string
	Action   Action
	Outcome  Outcome
	Detail   string
	Failures int
	At       time.Time
}

// Query filters Recent.
type Query struct {
	Resource string
	Since    time.Time
	Limit    int
}

// Store is the SQLite-backed journal.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", path).Msg("journal database initialized")
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			failures INTEGER NOT NULL DEFAULT 0,
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_resource ON events(resource);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores an event. A zero ID or timestamp is filled in, and the cycle
// id is taken from ctx when the event has none.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.CycleID == "" {
		e.CycleID = CycleID(ctx)
	}

	query := `
		INSERT INTO events (id, cycle_id, resource, action, outcome, detail, failures, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID.String(),
		e.CycleID,
		e.Resource,
		string(e.Action),
		string(e.Outcome),
		e.Detail,
		e.Failures,
		e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns events newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Event, error) {
	query := `SELECT id, cycle_id, resource, action, outcome, detail, failures, at FROM events WHERE 1=1`
	var args []any
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if !q.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY at DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			id, at  string
			action  string
			outcome string
		)
		if err := rows.Scan(&id, &e.CycleID, &e.Resource, &action, &outcome, &e.Detail, &e.Failures, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		e.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("pruned journal")
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type cycleKey struct{}

// WithCycle returns a context carrying the id of the running check cycle.
func WithCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the cycle id carried by ctx, or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}
