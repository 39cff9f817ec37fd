package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pinwatch/idgen"
)

// Event types written by pinwatch.
const (
	TaskCreated    = "task_created"
	TaskRemoved    = "task_removed"
	TasksRestarted = "tasks_restarted"
	TaskNotFound   = "task_not_found"
	RunCompleted   = "run_completed"
	RunFailed      = "run_failed"
	EmailSent      = "email_sent"
	EmailFailed    = "email_failed"
	EmailThrottled = "email_throttled"
)

// Event is one business event.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Success bool           `json:"success"`
	// CreatedAt is unix millis.
	CreatedAt int64 `json:"created_at"`
}

// Recorder is the write side used by the scheduler.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// EventLogger writes events to watch_events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithLogger sets the logger used to report write failures.
func WithLogger(lg *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = lg }
}

// NewEventLogger returns a logger on db. Init must have been applied.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record inserts e. Failures are logged, never returned: a broken event
// table must not stop a watch run.
func (l *EventLogger) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO watch_events (event_id, event_type, task_id, outcome, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Type, nullStr(e.TaskID), e.Outcome, details, e.Success, e.CreatedAt)
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns the latest events, newest first. An empty taskID returns
// events for every task.
func (l *EventLogger) Recent(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, event_type, task_id, outcome, details, success, created_at
	      FROM watch_events`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			task    sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &task, &e.Outcome, &details, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.TaskID = task.String
		if details.Valid {
			json.Unmarshal([]byte(details.String), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than days. Zero or negative keeps everything.
func Cleanup(ctx context.Context, db *sql.DB, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := db.ExecContext(ctx, `DELETE FROM watch_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
