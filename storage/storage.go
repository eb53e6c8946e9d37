// Package storage provides the cache storage backends behind the kelana
// cache engine: a count-bounded in-memory LRU, a byte-bounded Redis store and
// a count-bounded SQLite store with secondary indexes.
//
// All backends share the same read-time contract: an entry whose expiry has
// passed is deleted on read and reported as a miss (lazy expiry), so an
// expired value is never returned regardless of backend sweep timing.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage: backend closed")

// Record is one cache entry as seen by the engine.
type Record struct {
	Value        []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
	AccessedAt   time.Time
	Tags         []string
	Dependencies []string
}

// Expired reports whether the record is past its expiry at the given instant.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Backend is the async get/set/delete/clear contract every storage tier
// implements. Get returns (nil, nil) on a miss; backends never return a
// record past its expiry.
type Backend interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec *Record) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	InvalidateByDependency(ctx context.Context, dep string) (int, error)
	// DefaultTTL is the backend's own TTL tier, the lowest precedence in the
	// engine's resolution chain. Zero means the backend has no opinion.
	DefaultTTL() time.Duration
}

// wireRecord is the persistent serialization shared by the Redis and SQLite
// backends: {value: JSON, expiry: epoch-ms, createdAt: epoch-ms, tags?: [...]}.
type wireRecord struct {
	Value        json.RawMessage `json:"value"`
	Expiry       int64           `json:"expiry"`
	CreatedAt    int64           `json:"createdAt"`
	Tags         []string        `json:"tags,omitempty"`
	Dependencies []string        `json:"deps,omitempty"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	w := wireRecord{
		Value:        json.RawMessage(rec.Value),
		CreatedAt:    rec.CreatedAt.UnixMilli(),
		Tags:         rec.Tags,
		Dependencies: rec.Dependencies,
	}
	// Zero expiry on the wire means the entry never expires.
	if !rec.ExpiresAt.IsZero() {
		w.Expiry = rec.ExpiresAt.UnixMilli()
	}
	return json.Marshal(w)
}

func decodeRecord(raw []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	rec := &Record{
		Value:        []byte(w.Value),
		CreatedAt:    time.UnixMilli(w.CreatedAt),
		Tags:         w.Tags,
		Dependencies: w.Dependencies,
	}
	if w.Expiry != 0 {
		rec.ExpiresAt = time.UnixMilli(w.Expiry)
	}
	return rec, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
