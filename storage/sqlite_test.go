package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteBackend(t *testing.T, cfg SQLiteBackendConfig) *SQLiteBackend {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "cache.db")
	}
	b, err := NewSQLiteBackend(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	rec := record("payload", time.Minute)
	rec.Tags = []string{"users", "admin"}
	rec.Dependencies = []string{"user:42"}
	require.NoError(t, b.Set(ctx, "k", rec))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "payload", string(got.Value))
	assert.ElementsMatch(t, []string{"users", "admin"}, got.Tags)
	assert.Equal(t, []string{"user:42"}, got.Dependencies)
	assert.WithinDuration(t, rec.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestSQLiteBackendMiss(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})

	got, err := b.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteBackendLazyExpiry(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", record("v", 20*time.Millisecond)))
	time.Sleep(40 * time.Millisecond)

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expired row should be deleted by the read")
}

func TestSQLiteBackendOverwrite(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", record("v1", time.Minute)))

	updated := record("v2", time.Minute)
	updated.Tags = []string{"fresh"}
	require.NoError(t, b.Set(ctx, "k", updated))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", string(got.Value))
	assert.Equal(t, []string{"fresh"}, got.Tags)

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteBackendCountBoundEvictsOldest(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{MaxEntries: 2})
	ctx := context.Background()

	oldest := record("1", time.Minute)
	oldest.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, b.Set(ctx, "k1", oldest))
	require.NoError(t, b.Set(ctx, "k2", record("2", time.Minute)))
	require.NoError(t, b.Set(ctx, "k3", record("3", time.Minute)))

	got, err := b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "oldest row should be evicted at capacity")

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteBackendSetSweepsExpiredRows(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "stale", record("1", 20*time.Millisecond)))
	require.NoError(t, b.Set(ctx, "live", record("2", time.Minute)))
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, b.Set(ctx, "fresh", record("3", time.Minute)))

	got, err := b.Get(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, got, "live row should survive when the sweep frees room")
}

func TestSQLiteBackendInvalidateByTag(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	tagged := func(value string, tags ...string) *Record {
		rec := record(value, time.Minute)
		rec.Tags = tags
		return rec
	}
	require.NoError(t, b.Set(ctx, "a", tagged("1", "users")))
	require.NoError(t, b.Set(ctx, "b", tagged("2", "users", "admin")))
	require.NoError(t, b.Set(ctx, "c", tagged("3", "posts")))

	n, err := b.InvalidateByTag(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := b.Get(ctx, "c")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLiteBackendInvalidateByDependency(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	rec := record("1", time.Minute)
	rec.Dependencies = []string{"user:42"}
	require.NoError(t, b.Set(ctx, "a", rec))
	require.NoError(t, b.Set(ctx, "b", record("2", time.Minute)))

	n, err := b.InvalidateByDependency(ctx, "user:42")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLiteBackendCascadeOnFreshConnections(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	// Discard every pooled connection between operations so each statement
	// below runs on a freshly opened one.
	b.db.SetMaxIdleConns(0)

	rec := record("v", time.Minute)
	rec.Tags = []string{"users"}
	rec.Dependencies = []string{"user:42"}
	require.NoError(t, b.Set(ctx, "k", rec))
	require.NoError(t, b.Delete(ctx, "k"))

	var tags, deps int
	require.NoError(t, b.db.QueryRow("SELECT COUNT(*) FROM cache_tags").Scan(&tags))
	require.NoError(t, b.db.QueryRow("SELECT COUNT(*) FROM cache_deps").Scan(&deps))
	assert.Equal(t, 0, tags, "tag rows should cascade with the entry")
	assert.Equal(t, 0, deps, "dep rows should cascade with the entry")
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(SQLiteBackendConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", record("persisted", time.Hour)))
	require.NoError(t, b.Close())

	reopened, err := NewSQLiteBackend(SQLiteBackendConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", string(got.Value))
}

func TestSQLiteBackendClosed(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	require.NoError(t, b.Close())

	_, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Set(context.Background(), "k", record("v", time.Minute)), ErrClosed)
}

func TestSQLiteBackendClear(t *testing.T) {
	b := newSQLiteBackend(t, SQLiteBackendConfig{})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "a", record("1", time.Minute)))
	require.NoError(t, b.Set(ctx, "b", record("2", time.Minute)))
	require.NoError(t, b.Clear(ctx))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
