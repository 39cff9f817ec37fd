package watchlist

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pinwatch/dbopen"
)

func testSQLite(t *testing.T) *SQLitePersistence {
	t.Helper()
	p, err := NewSQLitePersistence(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("new sqlite persistence: %v", err)
	}
	return p
}

func TestSQLitePersistence_Versioning(t *testing.T) {
	p := testSQLite(t)
	ctx := context.Background()

	if _, _, err := p.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load empty: err = %v, want ErrNotFound", err)
	}

	snap := &Snapshot{Settings: DefaultSettings()}
	v, err := p.Save(ctx, snap, 0)
	if err != nil || v != 1 {
		t.Fatalf("first save: v=%d err=%v", v, err)
	}
	if _, err := p.Save(ctx, snap, 0); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("second insert: err = %v, want ErrWriteConflict", err)
	}

	snap.Tasks = append(snap.Tasks, sampleTask("wt_1"))
	v, err = p.Save(ctx, snap, 1)
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	if _, err := p.Save(ctx, snap, 1); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("stale update: err = %v, want ErrWriteConflict", err)
	}

	got, version, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if version != 2 || len(got.Tasks) != 1 || got.Tasks[0].ID != "wt_1" {
		t.Fatalf("load: version=%d tasks=%+v", version, got.Tasks)
	}
	if got.Settings.PauseHours != DefaultPauseHours {
		t.Fatalf("settings not persisted: %+v", got.Settings)
	}
}

func TestStore_OverSQLite(t *testing.T) {
	s := NewStore(testSQLite(t))
	ctx := context.Background()

	if err := s.Insert(ctx, sampleTask("wt_1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	updated, err := s.UpdateTask(ctx, "wt_1", func(t *WatchTask) error {
		t.ApplyDiff([]DiffRecord{{Locator: "id('a')", Original: "old", Current: "new", Time: 42}})
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Fragments[0].LastKnownText != "new" {
		t.Fatalf("returned task not updated: %+v", updated)
	}

	got, err := s.Get(ctx, "wt_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Time != 42 {
		t.Fatalf("history = %+v", got.History)
	}
}
