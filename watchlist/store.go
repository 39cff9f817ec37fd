package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const defaultMaxAttempts = 5

// Store is the only writer of the collection. Every mutation runs
// load → mutate → save under one mutex and saves with the loaded version,
// so a concurrent writer in another process turns into a retry instead of a
// lost update.
type Store struct {
	mu          sync.Mutex
	p           Persistence
	logger      *slog.Logger
	maxAttempts int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMaxAttempts bounds the reload-and-reapply loop on write conflicts.
func WithMaxAttempts(n int) StoreOption {
	return func(s *Store) { s.maxAttempts = n }
}

// NewStore wraps a Persistence.
func NewStore(p Persistence, opts ...StoreOption) *Store {
	s := &Store{p: p, maxAttempts: defaultMaxAttempts}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

// load returns the stored snapshot, or an empty one with default settings
// and version 0 when nothing is stored.
func (s *Store) load(ctx context.Context) (*Snapshot, int64, error) {
	snap, version, err := s.p.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return &Snapshot{Settings: DefaultSettings()}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return snap, version, nil
}

// mutate applies fn to a freshly loaded snapshot and saves it. fn returning
// false skips the save. fn may run more than once.
func (s *Store) mutate(ctx context.Context, fn func(*Snapshot) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		snap, version, err := s.load(ctx)
		if err != nil {
			return err
		}
		changed, err := fn(snap)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		_, err = s.p.Save(ctx, snap, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
		lastErr = err
		s.logger.Warn("watchlist: write conflict, retrying", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("watchlist: giving up after %d attempts: %w", s.maxAttempts, lastErr)
}

// Snapshot returns the current collection.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, _, err := s.load(ctx)
	return snap, err
}

// List returns all tasks in insertion order.
func (s *Store) List(ctx context.Context) ([]WatchTask, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Tasks, nil
}

// Get returns the task with id or ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string) (WatchTask, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return WatchTask{}, err
	}
	i := snap.indexOf(id)
	if i < 0 {
		return WatchTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return snap.Tasks[i], nil
}

// Settings returns the stored settings or DefaultSettings.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Settings{}, err
	}
	return snap.Settings, nil
}

// SaveSettings replaces the settings.
func (s *Store) SaveSettings(ctx context.Context, set Settings) error {
	return s.mutate(ctx, func(snap *Snapshot) (bool, error) {
		snap.Settings = set
		return true, nil
	})
}

// Insert appends t. Ids must be unique.
func (s *Store) Insert(ctx context.Context, t WatchTask) error {
	return s.mutate(ctx, func(snap *Snapshot) (bool, error) {
		if snap.indexOf(t.ID) >= 0 {
			return false, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		snap.Tasks = append(snap.Tasks, t.Clone())
		return true, nil
	})
}

// Delete removes the task with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.mutate(ctx, func(snap *Snapshot) (bool, error) {
		i := snap.indexOf(id)
		found = i >= 0
		if !found {
			return false, nil
		}
		snap.Tasks = append(snap.Tasks[:i], snap.Tasks[i+1:]...)
		return true, nil
	})
	return found, err
}

// DeleteAll clears the watch list, keeping settings, and returns how many
// tasks were removed.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	var n int
	err := s.mutate(ctx, func(snap *Snapshot) (bool, error) {
		n = len(snap.Tasks)
		if n == 0 {
			return false, nil
		}
		snap.Tasks = nil
		return true, nil
	})
	return n, err
}

// UpdateTask applies fn to the stored task with id and saves the result.
// The task is looked up again on every attempt, so a task deleted in the
// meantime yields ErrTaskNotFound and is never written back.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*WatchTask) error) (WatchTask, error) {
	var out WatchTask
	err := s.mutate(ctx, func(snap *Snapshot) (bool, error) {
		i := snap.indexOf(id)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		t := snap.Tasks[i].Clone()
		if err := fn(&t); err != nil {
			return false, err
		}
		t.ID = id
		snap.Tasks[i] = t
		out = t.Clone()
		return true, nil
	})
	return out, err
}
