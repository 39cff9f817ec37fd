package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned by Persistence.Load when nothing was saved yet.
	ErrNotFound = errors.New("watchlist: no stored document")
	// ErrWriteConflict is returned by Persistence.Save when the stored version
	// moved since it was loaded.
	ErrWriteConflict = errors.New("watchlist: write conflict")
	// ErrTaskNotFound is returned for operations on an unknown task id.
	ErrTaskNotFound = errors.New("watchlist: task not found")
	// ErrDuplicateTask is returned by Insert when the id is already stored.
	ErrDuplicateTask = errors.New("watchlist: duplicate task id")
)

// Persistence loads and saves the whole collection. Save must only succeed
// when the stored version still equals expectedVersion (0 meaning "nothing
// stored yet") and returns the new version.
type Persistence interface {
	Load(ctx context.Context) (*Snapshot, int64, error)
	Save(ctx context.Context, snap *Snapshot, expectedVersion int64) (int64, error)
}

// MemoryPersistence keeps the encoded document in memory. Useful for tests
// and for running without a database.
type MemoryPersistence struct {
	mu      sync.Mutex
	data    []byte
	version int64
}

// NewMemoryPersistence returns an empty in-memory persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// Load decodes a fresh copy of the stored document.
func (m *MemoryPersistence) Load(_ context.Context) (*Snapshot, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, 0, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(m.data, &snap); err != nil {
		return nil, 0, fmt.Errorf("watchlist: decode: %w", err)
	}
	return &snap, m.version, nil
}

// Save stores snap if expectedVersion matches.
func (m *MemoryPersistence) Save(_ context.Context, snap *Snapshot, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("watchlist: encode: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if expectedVersion != m.version {
		return 0, fmt.Errorf("%w: expected version %d, stored %d", ErrWriteConflict, expectedVersion, m.version)
	}
	m.data = data
	m.version++
	return m.version, nil
}
