// Package observability records watch business events in SQLite so the
// history of runs, removals and notifications survives restarts.
package observability

import (
	"database/sql"
	"fmt"
)

// Schema is the DDL for the event table.
const Schema = `
CREATE TABLE IF NOT EXISTS watch_events (
    event_id   TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    task_id    TEXT,
    outcome    TEXT NOT NULL DEFAULT '',
    details    TEXT,
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watch_events_task_time
    ON watch_events(task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_watch_events_created
    ON watch_events(created_at);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
