// Package watch polls a change token stored in SQLite and runs an action
// once the token moves and stays put for the debounce window. pinwatch uses
// it to pick up watch list writes made by another process on the same file.
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads the current change token. Two different values mean the
// watched data changed in between.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval between two polls. Default: 1s.
	Interval time.Duration
	// Debounce is how long the token must stay unchanged before the action
	// runs. 0 runs it on the first poll that sees a change.
	Debounce time.Duration
	// Detector reads the token. Default: DataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs an action on token changes.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	reloads atomic.Int64
}

// New returns a Watcher. Run starts it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version returns the last token the action was run for, or the seed token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Reloads returns how many times the action succeeded.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Run polls until ctx is done. When action fails the token is not recorded,
// so the action runs again on the next poll.
func (w *Watcher) Run(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: seed failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		pending   int64
		hasChange bool
		seenAt    time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("watch: poll failed", "error", err)
				}
				continue
			}
			if cur == w.version.Load() && !hasChange {
				continue
			}
			if !hasChange || cur != pending {
				pending, hasChange, seenAt = cur, true, now
				log.Debug("watch: change seen", "version", cur)
			}
			if now.Sub(seenAt) < w.opts.Debounce {
				continue
			}
			start := time.Now()
			if err := action(ctx); err != nil {
				log.Error("watch: action failed", "version", pending, "error", err)
				continue
			}
			w.version.Store(pending)
			w.reloads.Add(1)
			hasChange = false
			log.Debug("watch: action done", "version", pending, "duration", time.Since(start))
		}
	}
}

// DataVersion reads PRAGMA data_version. It moves when another connection
// commits to the database, so it only fits a single-connection pool.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumn returns a Detector reading MAX(column) of table, 0 when empty.
func MaxColumn(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
