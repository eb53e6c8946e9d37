package kelana

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ambiyansyah-risyal/kelana/storage"
)

// brokenBackend fails every operation, for fail-open tests.
type brokenBackend struct{}

var errBackendDown = errors.New("backend down")

func (brokenBackend) Get(context.Context, string) (*storage.Record, error) {
	return nil, errBackendDown
}
func (brokenBackend) Set(context.Context, string, *storage.Record) error { return errBackendDown }
func (brokenBackend) Delete(context.Context, string) error               { return errBackendDown }
func (brokenBackend) Clear(context.Context) error                        { return errBackendDown }
func (brokenBackend) Len(context.Context) (int, error)                   { return 0, errBackendDown }
func (brokenBackend) InvalidateByTag(context.Context, string) (int, error) {
	return 0, errBackendDown
}
func (brokenBackend) InvalidateByDependency(context.Context, string) (int, error) {
	return 0, errBackendDown
}
func (brokenBackend) DefaultTTL() time.Duration { return 0 }

func newTestEngine(cfg CacheEngineConfig) *CacheEngine {
	return NewCacheEngine(cfg)
}

func TestCacheEngineRoundTrip(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{DefaultTTL: time.Minute})
	ctx := context.Background()

	e.Set(ctx, "k", "ep", []byte(`"value"`), SetOptions{})

	rec, ok := e.Get(ctx, "k", "ep")
	if !ok {
		t.Fatal("stored entry should be a hit")
	}
	if string(rec.Value) != `"value"` {
		t.Errorf("Value = %q", rec.Value)
	}

	stats := e.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("stats = %+v, want one hit", stats)
	}
}

func TestCacheEngineMiss(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{})

	if _, ok := e.Get(context.Background(), "absent", "ep"); ok {
		t.Error("absent key should miss")
	}
	if stats := e.Stats(context.Background()); stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestCacheEngineFailOpen(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{Backend: brokenBackend{}})
	ctx := context.Background()

	// Reads on a broken backend degrade to misses, writes are swallowed.
	if _, ok := e.Get(ctx, "k", "ep"); ok {
		t.Error("broken backend should read as a miss")
	}
	e.Set(ctx, "k", "ep", []byte(`"v"`), SetOptions{})
}

func TestCacheEngineTTLPrecedence(t *testing.T) {
	ctx := context.Background()

	expiryOf := func(e *CacheEngine, key string) time.Time {
		t.Helper()
		rec, err := e.Backend().Get(ctx, key)
		if err != nil || rec == nil {
			t.Fatalf("backend lookup failed: rec=%v err=%v", rec, err)
		}
		return rec.ExpiresAt
	}
	within := func(expiry time.Time, want time.Duration) bool {
		d := time.Until(expiry)
		return d > want-5*time.Second && d <= want
	}

	e := newTestEngine(CacheEngineConfig{DefaultTTL: time.Hour})

	// Per-request TTL outranks the response TTL.
	e.Set(ctx, "req", "ep", []byte(`1`), SetOptions{
		RequestTTL:     time.Minute,
		ResponseTTL:    30 * time.Minute,
		HasResponseTTL: true,
	})
	if expiry := expiryOf(e, "req"); !within(expiry, time.Minute) {
		t.Errorf("request TTL not honored, expires %v", expiry)
	}

	// Response TTL outranks the engine default.
	e.Set(ctx, "resp", "ep", []byte(`2`), SetOptions{
		ResponseTTL:    10 * time.Minute,
		HasResponseTTL: true,
	})
	if expiry := expiryOf(e, "resp"); !within(expiry, 10*time.Minute) {
		t.Errorf("response TTL not honored, expires %v", expiry)
	}

	// No directives at all fall back to the engine default.
	e.Set(ctx, "default", "ep", []byte(`3`), SetOptions{})
	if expiry := expiryOf(e, "default"); !within(expiry, time.Hour) {
		t.Errorf("engine default TTL not honored, expires %v", expiry)
	}

	// An explicit zero response TTL means do not store.
	e.Set(ctx, "zero", "ep", []byte(`4`), SetOptions{HasResponseTTL: true})
	if rec, _ := e.Backend().Get(ctx, "zero"); rec != nil {
		t.Error("explicit zero TTL should suppress the store")
	}
}

func TestCacheEngineBackendDefaultTTLTier(t *testing.T) {
	backend := storage.NewMemoryBackend(10)
	e := newTestEngine(CacheEngineConfig{Backend: backend})
	ctx := context.Background()

	// Neither the write nor the engine has a TTL opinion and the memory
	// backend's default is zero, so the entry must not expire.
	e.Set(ctx, "k", "ep", []byte(`1`), SetOptions{})
	rec, err := backend.Get(ctx, "k")
	if err != nil || rec == nil {
		t.Fatalf("backend lookup failed: rec=%v err=%v", rec, err)
	}
	if !rec.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero (no expiry)", rec.ExpiresAt)
	}
}

func TestCacheEngineLRUEviction(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{
		Strategy:   StrategyLRU,
		DefaultTTL: time.Minute,
		MaxEntries: 2,
	})
	ctx := context.Background()

	e.Set(ctx, "k1", "ep", []byte(`1`), SetOptions{})
	e.Set(ctx, "k2", "ep", []byte(`2`), SetOptions{})

	// Touch k1 so k2 is the least recently used when k3 arrives.
	if _, ok := e.Get(ctx, "k1", "ep"); !ok {
		t.Fatal("k1 missing before eviction")
	}
	e.Set(ctx, "k3", "ep", []byte(`3`), SetOptions{})

	if _, ok := e.Get(ctx, "k2", "ep"); ok {
		t.Error("k2 should have been evicted")
	}
	if _, ok := e.Get(ctx, "k1", "ep"); !ok {
		t.Error("k1 should survive")
	}
	if _, ok := e.Get(ctx, "k3", "ep"); !ok {
		t.Error("k3 should be present")
	}
}

func TestCacheEngineTTLStrategyNeverEvicts(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{
		Strategy:   StrategyTTL,
		DefaultTTL: time.Minute,
		MaxEntries: 2,
	})
	ctx := context.Background()

	e.Set(ctx, "k1", "ep", []byte(`1`), SetOptions{})
	e.Set(ctx, "k2", "ep", []byte(`2`), SetOptions{})
	e.Set(ctx, "k3", "ep", []byte(`3`), SetOptions{})

	// The ttl policy nominates no victim; the backend's own bound applies
	// instead, so earlier entries are still subject to backend LRU.
	n, err := e.Backend().Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 3 {
		t.Errorf("Len = %d, want 3 (engine must not evict under ttl strategy)", n)
	}
}

func TestCacheEngineShouldStore(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{})

	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"nil", nil, false},
		{"200", respWithHeaders(nil), true},
		{"204", &http.Response{StatusCode: 204, Header: http.Header{}}, true},
		{"301", &http.Response{StatusCode: 301, Header: http.Header{}}, false},
		{"404", &http.Response{StatusCode: 404, Header: http.Header{}}, false},
		{"500", &http.Response{StatusCode: 500, Header: http.Header{}}, false},
		{"no-store", respWithHeaders(map[string]string{"Cache-Control": "no-store"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ShouldStore(tt.resp); got != tt.want {
				t.Errorf("ShouldStore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEngineInvalidateByTag(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{DefaultTTL: time.Minute})
	ctx := context.Background()

	e.Set(ctx, "a", "ep", []byte(`1`), SetOptions{Tags: []string{"users"}})
	e.Set(ctx, "b", "ep", []byte(`2`), SetOptions{Tags: []string{"users", "admin"}})
	e.Set(ctx, "c", "ep", []byte(`3`), SetOptions{Tags: []string{"posts"}})

	n, err := e.InvalidateByTag(ctx, "users")
	if err != nil {
		t.Fatalf("InvalidateByTag: %v", err)
	}
	if n != 2 {
		t.Errorf("invalidated = %d, want 2", n)
	}
	if _, ok := e.Get(ctx, "c", "ep"); !ok {
		t.Error("untagged entry should survive")
	}
}

func TestCacheEngineInvalidateByDependency(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{DefaultTTL: time.Minute})
	ctx := context.Background()

	e.Set(ctx, "a", "ep", []byte(`1`), SetOptions{Dependencies: []string{"user:42"}})
	e.Set(ctx, "b", "ep", []byte(`2`), SetOptions{})

	n, err := e.InvalidateByDependency(ctx, "user:42")
	if err != nil {
		t.Fatalf("InvalidateByDependency: %v", err)
	}
	if n != 1 {
		t.Errorf("invalidated = %d, want 1", n)
	}
}

func TestCacheEngineClear(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{DefaultTTL: time.Minute})
	ctx := context.Background()

	e.Set(ctx, "a", "ep", []byte(`1`), SetOptions{})
	e.Set(ctx, "b", "ep", []byte(`2`), SetOptions{})
	if err := e.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if stats := e.Stats(ctx); stats.Entries != 0 {
		t.Errorf("Entries = %d after Clear, want 0", stats.Entries)
	}
}

func TestCacheEngineSmartStrategyPredictsTTL(t *testing.T) {
	e := newTestEngine(CacheEngineConfig{
		Strategy:   StrategySmart,
		DefaultTTL: time.Hour,
	})
	ctx := context.Background()
	endpoint := "api.example.com/feed"

	// Build up access history with short gaps so the prediction lands far
	// below the configured default.
	e.Set(ctx, "k", endpoint, []byte(`1`), SetOptions{})
	for i := 0; i < smartMinSamples+1; i++ {
		time.Sleep(5 * time.Millisecond)
		e.Get(ctx, "k", endpoint)
	}
	e.Set(ctx, "k2", endpoint, []byte(`2`), SetOptions{})

	rec, err := e.Backend().Get(ctx, "k2")
	if err != nil || rec == nil {
		t.Fatalf("backend lookup failed: rec=%v err=%v", rec, err)
	}
	if rec.ExpiresAt.IsZero() {
		t.Fatal("smart strategy should still assign a TTL")
	}
	if time.Until(rec.ExpiresAt) > time.Minute {
		t.Errorf("predicted TTL %v, want well below the 1h default", time.Until(rec.ExpiresAt))
	}
}
