package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the narrow slice of go-redis used by the backend, so tests
// and wrappers can substitute any compatible client.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	StrLen(ctx context.Context, key string) *redis.IntCmd
}

// RedisBackendConfig configures the Redis store.
type RedisBackendConfig struct {
	// KeyPrefix is prepended to every cache key.
	KeyPrefix string
	// MaxBytes bounds the total serialized payload size. Zero disables the
	// budget.
	MaxBytes int64
	// DefaultTTL is the backend TTL tier reported to the engine.
	DefaultTTL time.Duration
}

// RedisBackend is a byte-bounded persistent store. Payload accounting lives
// in a sidecar counter key that is reconciled against the live keys whenever
// the budget check trips; on overflow the backend first sweeps expired
// entries, then evicts the single oldest remaining one. Write failures are
// retried once after an eviction pass and then dropped silently: a lost cache
// write must never fail the request that produced it.
type RedisBackend struct {
	client RedisClient
	cfg    RedisBackendConfig

	// evictMu serializes sweep/evict passes so concurrent writers do not
	// double-evict.
	evictMu sync.Mutex

	writeErrors uint64
}

const redisBytesSuffix = "!bytes"

// NewRedisBackend creates a Redis store.
func NewRedisBackend(client RedisClient, cfg RedisBackendConfig) *RedisBackend {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "kelana:"
	}
	return &RedisBackend{client: client, cfg: cfg}
}

func (b *RedisBackend) key(k string) string     { return b.cfg.KeyPrefix + k }
func (b *RedisBackend) bytesKey() string        { return b.cfg.KeyPrefix + redisBytesSuffix }
func (b *RedisBackend) isMeta(full string) bool { return full == b.bytesKey() }

// Get returns the record for key. Entries past expiry are deleted on read and
// reported as a miss even when Redis has not expired them yet.
func (b *RedisBackend) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		// Unreadable payload: drop it rather than serving garbage.
		b.remove(ctx, b.key(key))
		return nil, err
	}

	now := time.Now()
	if rec.Expired(now) {
		b.remove(ctx, b.key(key))
		return nil, nil
	}

	rec.AccessedAt = now
	return rec, nil
}

// Set stores the record under prefix+key with the record's remaining TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, rec *Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	if b.cfg.MaxBytes > 0 {
		b.makeRoom(ctx, int64(len(payload)))
	}

	if err := b.write(ctx, key, payload, ttl); err != nil {
		// One eviction pass, one retry, then give up silently.
		b.evictOldest(ctx)
		if err := b.write(ctx, key, payload, ttl); err != nil {
			atomic.AddUint64(&b.writeErrors, 1)
			return nil
		}
	}
	return nil
}

func (b *RedisBackend) write(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	full := b.key(key)
	oldLen, _ := b.client.StrLen(ctx, full).Result()
	if err := b.client.Set(ctx, full, payload, ttl).Err(); err != nil {
		return err
	}
	b.client.IncrBy(ctx, b.bytesKey(), int64(len(payload))-oldLen)
	return nil
}

// Delete removes the key if present.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.remove(ctx, b.key(key))
}

func (b *RedisBackend) remove(ctx context.Context, full string) error {
	size, _ := b.client.StrLen(ctx, full).Result()
	deleted, err := b.client.Del(ctx, full).Result()
	if err != nil {
		return err
	}
	if deleted > 0 && size > 0 {
		b.client.IncrBy(ctx, b.bytesKey(), -size)
	}
	return nil
}

// Clear removes every entry under the prefix and resets the byte counter.
func (b *RedisBackend) Clear(ctx context.Context) error {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return err
	}
	keys = append(keys, b.bytesKey())
	return b.client.Del(ctx, keys...).Err()
}

// Len returns the number of stored entries.
func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// UsedBytes returns the tracked payload size.
func (b *RedisBackend) UsedBytes(ctx context.Context) int64 {
	raw, err := b.client.Get(ctx, b.bytesKey()).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// InvalidateByTag removes every entry carrying the tag and returns the count.
func (b *RedisBackend) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	return b.invalidate(ctx, func(rec *Record) bool {
		return contains(rec.Tags, tag)
	})
}

// InvalidateByDependency removes every entry depending on dep.
func (b *RedisBackend) InvalidateByDependency(ctx context.Context, dep string) (int, error) {
	return b.invalidate(ctx, func(rec *Record) bool {
		return contains(rec.Dependencies, dep)
	})
}

func (b *RedisBackend) invalidate(ctx context.Context, match func(*Record) bool) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, full := range keys {
		raw, err := b.client.Get(ctx, full).Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		if match(rec) {
			if b.remove(ctx, full) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// DefaultTTL implements Backend.
func (b *RedisBackend) DefaultTTL() time.Duration {
	return b.cfg.DefaultTTL
}

// WriteErrors returns how many writes were dropped after the retry pass.
func (b *RedisBackend) WriteErrors() uint64 {
	return atomic.LoadUint64(&b.writeErrors)
}

// makeRoom enforces the byte budget before a write of `need` bytes: reconcile
// the counter against the live keys, sweep expired entries, then evict the
// single oldest remaining entry.
func (b *RedisBackend) makeRoom(ctx context.Context, need int64) {
	if b.UsedBytes(ctx)+need <= b.cfg.MaxBytes {
		return
	}

	b.evictMu.Lock()
	defer b.evictMu.Unlock()

	// Redis expires entries server-side, so the sidecar counter only ever
	// drifts upward: a natively expired key is gone before remove() can
	// subtract its size. Recompute from the live keys before evicting
	// anything, otherwise phantom bytes force a needless eviction per write.
	if b.reconcile(ctx)+need <= b.cfg.MaxBytes {
		return
	}

	b.sweepExpired(ctx)
	if b.UsedBytes(ctx)+need <= b.cfg.MaxBytes {
		return
	}
	b.evictOldest(ctx)
}

// reconcile rewrites the byte counter from the payload sizes of the keys that
// actually exist and returns the new total.
func (b *RedisBackend) reconcile(ctx context.Context) int64 {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return b.UsedBytes(ctx)
	}

	var total int64
	for _, full := range keys {
		n, err := b.client.StrLen(ctx, full).Result()
		if err != nil {
			continue
		}
		total += n
	}
	b.client.Set(ctx, b.bytesKey(), total, 0)
	return total
}

// sweepExpired deletes every entry past its expiry.
func (b *RedisBackend) sweepExpired(ctx context.Context) int {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0
	}

	now := time.Now()
	swept := 0
	for _, full := range keys {
		raw, err := b.client.Get(ctx, full).Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil || rec.Expired(now) {
			if b.remove(ctx, full) == nil {
				swept++
			}
		}
	}
	return swept
}

// evictOldest removes the single entry with the earliest createdAt.
func (b *RedisBackend) evictOldest(ctx context.Context) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for _, full := range keys {
		raw, err := b.client.Get(ctx, full).Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		if oldestKey == "" || rec.CreatedAt.Before(oldestAt) {
			oldestKey = full
			oldestAt = rec.CreatedAt
		}
	}
	if oldestKey != "" {
		b.remove(ctx, oldestKey)
	}
}

// scanKeys lists every cache key under the prefix, excluding the byte counter.
func (b *RedisBackend) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, b.cfg.KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if !b.isMeta(k) {
				keys = append(keys, k)
			}
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
