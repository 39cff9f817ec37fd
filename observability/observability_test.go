package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pinwatch/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestEventLogger_RecordAndRecent(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db)
	ctx := context.Background()

	l.Record(ctx, Event{Type: TaskCreated, TaskID: "wt_1", Success: true, CreatedAt: 1000})
	l.Record(ctx, Event{Type: RunCompleted, TaskID: "wt_1", Outcome: "changed", Success: true,
		Details: map[string]any{"records": 2}, CreatedAt: 2000})
	l.Record(ctx, Event{Type: TaskNotFound, TaskID: "wt_2", Success: false, CreatedAt: 3000})

	all, err := l.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].Type != TaskNotFound {
		t.Fatalf("recent = %+v", all)
	}

	mine, err := l.Recent(ctx, "wt_1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Fatalf("wt_1 events = %d, want 2", len(mine))
	}
	if mine[0].Outcome != "changed" || mine[0].Details["records"] != float64(2) {
		t.Fatalf("latest wt_1 event = %+v", mine[0])
	}
	if mine[0].ID == "" || mine[0].ID[:4] != "evt_" {
		t.Fatalf("event id = %q", mine[0].ID)
	}
}

func TestEventLogger_CustomID(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, WithEventIDGenerator(func() string { return "fixed" }))
	l.Record(context.Background(), Event{Type: TaskRemoved, TaskID: "wt_1"})

	var id string
	db.QueryRow(`SELECT event_id FROM watch_events`).Scan(&id)
	if id != "fixed" {
		t.Fatalf("event_id = %q", id)
	}
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db)
	ctx := context.Background()

	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	l.Record(ctx, Event{Type: RunCompleted, TaskID: "wt_1", CreatedAt: old})
	l.Record(ctx, Event{Type: RunCompleted, TaskID: "wt_1"})

	n, err := Cleanup(ctx, db, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if n, _ := Cleanup(ctx, db, 0); n != 0 {
		t.Fatal("zero retention deleted rows")
	}
}
