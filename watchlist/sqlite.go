package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pinwatch/dbopen"
)

// Schema creates the document table. Each row is one versioned JSON document.
const Schema = `
CREATE TABLE IF NOT EXISTS store_documents (
	key        TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// DocumentKey is the store_documents key of the watch list.
const DocumentKey = "watchlist"

// SQLitePersistence stores the collection as one row of store_documents and
// uses the version column for compare-and-swap saves.
type SQLitePersistence struct {
	db  *sql.DB
	key string
}

// NewSQLitePersistence applies Schema and returns a persistence bound to
// DocumentKey.
func NewSQLitePersistence(db *sql.DB) (*SQLitePersistence, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("watchlist: apply schema: %w", err)
	}
	return &SQLitePersistence{db: db, key: DocumentKey}, nil
}

// Load reads the stored document and its version.
func (p *SQLitePersistence) Load(ctx context.Context) (*Snapshot, int64, error) {
	var (
		data    string
		version int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT data, version FROM store_documents WHERE key = ?`, p.key,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("watchlist: load: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, 0, fmt.Errorf("watchlist: decode: %w", err)
	}
	return &snap, version, nil
}

// Save writes snap when the stored version equals expectedVersion.
func (p *SQLitePersistence) Save(ctx context.Context, snap *Snapshot, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("watchlist: encode: %w", err)
	}
	now := time.Now().UnixMilli()
	next := expectedVersion + 1

	err = dbopen.RunTx(ctx, p.db, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if expectedVersion == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO store_documents (key, data, version, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO NOTHING`,
				p.key, string(data), next, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE store_documents SET data = ?, version = ?, updated_at = ?
				WHERE key = ? AND version = ?`,
				string(data), next, now, p.key, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("watchlist: save: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("watchlist: save: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: expected version %d", ErrWriteConflict, expectedVersion)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
