package watchlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func sampleTask(id string) WatchTask {
	return WatchTask{
		ID:            id,
		Title:         "Task " + id,
		URL:           "https://example.com/" + id,
		Fragments:     []Fragment{{Locator: "id('a')", LastKnownText: "old"}},
		PeriodMinutes: 5,
		CreatedAt:     1,
	}
}

func TestStore_DefaultsOnEmpty(t *testing.T) {
	s := NewStore(NewMemoryPersistence())
	ctx := context.Background()

	set, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if set.PauseHours != DefaultPauseHours || set.EmailEnabled() {
		t.Fatalf("default settings = %+v", set)
	}
	tasks, err := s.List(ctx)
	if err != nil || len(tasks) != 0 {
		t.Fatalf("list on empty store: %v, %d tasks", err, len(tasks))
	}
}

func TestStore_CRUD(t *testing.T) {
	s := NewStore(NewMemoryPersistence())
	ctx := context.Background()

	if err := s.Insert(ctx, sampleTask("wt_1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, sampleTask("wt_2")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, sampleTask("wt_1")); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate insert: err = %v", err)
	}

	got, err := s.Get(ctx, "wt_2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != "https://example.com/wt_2" {
		t.Errorf("URL: got %q", got.URL)
	}

	found, err := s.Delete(ctx, "wt_1")
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	found, err = s.Delete(ctx, "wt_1")
	if err != nil || found {
		t.Fatalf("second delete: found=%v err=%v", found, err)
	}
	if _, err := s.Get(ctx, "wt_1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("get deleted: err = %v", err)
	}

	if err := s.SaveSettings(ctx, Settings{Name: "Ada", Email: "ada@example.com", PauseHours: 2}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	n, err := s.DeleteAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("delete all: n=%d err=%v", n, err)
	}
	set, _ := s.Settings(ctx)
	if set.Name != "Ada" {
		t.Fatalf("settings lost on DeleteAll: %+v", set)
	}
}

func TestStore_UpdateDeletedTaskIsNotResurrected(t *testing.T) {
	s := NewStore(NewMemoryPersistence())
	ctx := context.Background()
	s.Insert(ctx, sampleTask("wt_1"))
	s.Delete(ctx, "wt_1")

	called := false
	_, err := s.UpdateTask(ctx, "wt_1", func(t *WatchTask) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	if called {
		t.Fatal("update fn ran for a deleted task")
	}
	tasks, _ := s.List(ctx)
	if len(tasks) != 0 {
		t.Fatalf("task resurrected: %+v", tasks)
	}
}

// Completions for distinct tasks finishing at the same time must all land.
func TestStore_ConcurrentUpdatesKeepEveryChange(t *testing.T) {
	s := NewStore(NewMemoryPersistence())
	ctx := context.Background()

	const n = 20
	for i := range n {
		if err := s.Insert(ctx, sampleTask(fmt.Sprintf("wt_%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("wt_%d", i)
			_, err := s.UpdateTask(ctx, id, func(t *WatchTask) error {
				t.ApplyDiff([]DiffRecord{{Locator: "id('a')", Original: "old", Current: "new " + id, Time: 10}})
				return nil
			})
			if err != nil {
				t.Errorf("update %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	tasks, _ := s.List(ctx)
	for _, task := range tasks {
		if task.Fragments[0].LastKnownText != "new "+task.ID {
			t.Errorf("%s: lost update, text = %q", task.ID, task.Fragments[0].LastKnownText)
		}
		if len(task.History) != 1 {
			t.Errorf("%s: history len = %d", task.ID, len(task.History))
		}
	}
}

// racingPersistence simulates another process saving between our load and
// our save for the first `races` saves.
type racingPersistence struct {
	*MemoryPersistence
	races int
}

func (r *racingPersistence) Save(ctx context.Context, snap *Snapshot, expected int64) (int64, error) {
	if r.races > 0 {
		r.races--
		other, v, err := r.MemoryPersistence.Load(ctx)
		if err != nil {
			other, v = &Snapshot{Settings: DefaultSettings()}, 0
		}
		other.Tasks = append(other.Tasks, sampleTask(fmt.Sprintf("wt_other_%d", r.races)))
		if _, err := r.MemoryPersistence.Save(ctx, other, v); err != nil {
			return 0, err
		}
	}
	return r.MemoryPersistence.Save(ctx, snap, expected)
}

func TestStore_WriteConflictReloadsAndReapplies(t *testing.T) {
	p := &racingPersistence{MemoryPersistence: NewMemoryPersistence(), races: 2}
	s := NewStore(p)
	ctx := context.Background()

	if err := s.Insert(ctx, sampleTask("wt_mine")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tasks, _ := s.List(ctx)
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want both foreign writes plus ours", len(tasks))
	}
	if tasks[2].ID != "wt_mine" {
		t.Fatalf("last task = %q, want wt_mine", tasks[2].ID)
	}
}

func TestStore_WriteConflictGivesUp(t *testing.T) {
	p := &racingPersistence{MemoryPersistence: NewMemoryPersistence(), races: 10}
	s := NewStore(p, WithMaxAttempts(3))

	err := s.Insert(context.Background(), sampleTask("wt_mine"))
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("err = %v, want ErrWriteConflict", err)
	}
}

func TestApplyDiff_ReplacesHistoryAndUpdatesText(t *testing.T) {
	task := WatchTask{
		Fragments: []Fragment{
			{Locator: "a", LastKnownText: "1"},
			{Locator: "b", LastKnownText: "2"},
		},
		History: []DiffRecord{{Locator: "a", Original: "0", Current: "1", Time: 1}},
	}
	task.ApplyDiff([]DiffRecord{{Locator: "b", Original: "2", Current: "3", Time: 5}})

	if len(task.History) != 1 || task.History[0].Locator != "b" {
		t.Fatalf("history = %+v, want only the latest run", task.History)
	}
	if task.Fragments[0].LastKnownText != "1" || task.Fragments[1].LastKnownText != "3" {
		t.Fatalf("fragments = %+v", task.Fragments)
	}
	if got := task.LastChange().UnixMilli(); got != 5 {
		t.Fatalf("LastChange = %d, want 5", got)
	}
}
