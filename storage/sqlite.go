package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is a count-bounded persistent store on a local SQLite file.
// Tags and dependencies are normalized into side tables so invalidation is an
// indexed lookup instead of a full scan.
type SQLiteBackend struct {
	db         *sql.DB
	maxEntries int
	defaultTTL time.Duration
	closed     atomic.Bool
}

// SQLiteBackendConfig configures the SQLite store.
type SQLiteBackendConfig struct {
	// Path is the database file. Use "file::memory:?cache=shared" for an
	// in-memory database.
	Path string
	// MaxEntries bounds the number of stored entries. Zero means 1000.
	MaxEntries int
	// DefaultTTL is the backend TTL tier reported to the engine.
	DefaultTTL time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	value       BLOB NOT NULL,
	expiry      INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expiry);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);

CREATE TABLE IF NOT EXISTS cache_tags (
	key TEXT NOT NULL REFERENCES cache_entries(key) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (key, tag)
);
CREATE INDEX IF NOT EXISTS idx_cache_tags_tag ON cache_tags(tag);

CREATE TABLE IF NOT EXISTS cache_deps (
	key TEXT NOT NULL REFERENCES cache_entries(key) ON DELETE CASCADE,
	dep TEXT NOT NULL,
	PRIMARY KEY (key, dep)
);
CREATE INDEX IF NOT EXISTS idx_cache_deps_dep ON cache_deps(dep);
`

// NewSQLiteBackend opens (and if necessary creates) the database at path.
func NewSQLiteBackend(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}

	// The pragma rides in the DSN so it applies to every connection the pool
	// opens, not just the one a PRAGMA statement would run on.
	dsn := cfg.Path
	if strings.Contains(dsn, "?") {
		dsn += "&_pragma=foreign_keys(1)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn under concurrent use.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{
		db:         db,
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

// Get returns the record for key, deleting it first when it is past expiry.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (*Record, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	var expiry, createdAt int64
	row := b.db.QueryRowContext(ctx,
		"SELECT value, expiry, created_at FROM cache_entries WHERE key = ?", key)
	if err := row.Scan(&value, &expiry, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	if expiry > 0 && expiry <= now.UnixMilli() {
		_, _ = b.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
		return nil, nil
	}

	_, _ = b.db.ExecContext(ctx,
		"UPDATE cache_entries SET accessed_at = ? WHERE key = ?", now.UnixMilli(), key)

	rec := &Record{
		Value:      value,
		CreatedAt:  time.UnixMilli(createdAt),
		AccessedAt: now,
	}
	if expiry > 0 {
		rec.ExpiresAt = time.UnixMilli(expiry)
	}
	rec.Tags, _ = b.labels(ctx, "cache_tags", "tag", key)
	rec.Dependencies, _ = b.labels(ctx, "cache_deps", "dep", key)
	return rec, nil
}

// Set stores the record, making room first when the table is at capacity:
// expired rows are swept in bulk, then the oldest remaining row is evicted.
func (b *SQLiteBackend) Set(ctx context.Context, key string, rec *Record) error {
	if b.closed.Load() {
		return ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expiry > 0 AND expiry <= ?", now.UnixMilli()); err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache_entries WHERE key = ?", key).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
			return err
		}
		for count >= b.maxEntries {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE key =
				 (SELECT key FROM cache_entries ORDER BY created_at ASC LIMIT 1)`); err != nil {
				return err
			}
			count--
		}
	}

	var expiry int64
	if !rec.ExpiresAt.IsZero() {
		expiry = rec.ExpiresAt.UnixMilli()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expiry, created_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value, expiry = excluded.expiry,
		   created_at = excluded.created_at, accessed_at = excluded.accessed_at`,
		key, rec.Value, expiry, createdAt.UnixMilli(), now.UnixMilli()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_tags WHERE key = ?", key); err != nil {
		return err
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cache_tags (key, tag) VALUES (?, ?)", key, tag); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_deps WHERE key = ?", key); err != nil {
		return err
	}
	for _, dep := range rec.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cache_deps (key, dep) VALUES (?, ?)", key, dep); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes the key if present.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
	return err
}

// Clear removes every entry.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM cache_entries")
	return err
}

// Len returns the number of stored entries, expired rows included.
func (b *SQLiteBackend) Len(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	var count int
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count)
	return count, err
}

// InvalidateByTag removes every entry carrying the tag and returns the count.
func (b *SQLiteBackend) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	return b.invalidate(ctx,
		"DELETE FROM cache_entries WHERE key IN (SELECT key FROM cache_tags WHERE tag = ?)", tag)
}

// InvalidateByDependency removes every entry depending on dep.
func (b *SQLiteBackend) InvalidateByDependency(ctx context.Context, dep string) (int, error) {
	return b.invalidate(ctx,
		"DELETE FROM cache_entries WHERE key IN (SELECT key FROM cache_deps WHERE dep = ?)", dep)
}

func (b *SQLiteBackend) invalidate(ctx context.Context, query, label string) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	res, err := b.db.ExecContext(ctx, query, label)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DefaultTTL implements Backend.
func (b *SQLiteBackend) DefaultTTL() time.Duration {
	return b.defaultTTL
}

// Close releases the database handle. Further calls return ErrClosed.
func (b *SQLiteBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) labels(ctx context.Context, table, column, key string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT "+column+" FROM "+table+" WHERE key = ?", key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
