package kelana

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/kelana/storage"
)

// CacheEngineConfig configures a CacheEngine.
type CacheEngineConfig struct {
	// Backend stores the entries. Defaults to an in-memory store.
	Backend storage.Backend
	// Strategy selects the eviction policy. Defaults to StrategyLRU.
	Strategy Strategy
	// DefaultTTL applies when neither the request nor the response carries
	// one.
	DefaultTTL time.Duration
	// MaxEntries bounds the engine. Zero leaves capacity to the backend.
	MaxEntries int
	// MaxCacheableStatus is the highest response status the engine will
	// store. Zero means 299.
	MaxCacheableStatus int

	Logger  Logger
	Debug   *DebugConfig
	Metrics *MetricsCollector
}

// CacheEngine coordinates a storage backend with an eviction strategy. Reads
// fail open: a broken backend degrades to a cache miss, never to a failed
// request.
type CacheEngine struct {
	backend    storage.Backend
	policy     EvictionPolicy
	strategy   Strategy
	defaultTTL time.Duration
	maxEntries int
	maxStatus  int

	logger  Logger
	debug   *DebugConfig
	metrics *MetricsCollector

	hits   uint64
	misses uint64
}

// CacheStats is a point-in-time snapshot of engine counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
	HitRate float64
}

// NewCacheEngine creates the engine and its eviction policy.
func NewCacheEngine(cfg CacheEngineConfig) *CacheEngine {
	if cfg.Backend == nil {
		cfg.Backend = storage.NewMemoryBackend(0)
	}
	if cfg.MaxCacheableStatus <= 0 {
		cfg.MaxCacheableStatus = 299
	}
	return &CacheEngine{
		backend:    cfg.Backend,
		policy:     NewEvictionPolicy(cfg.Strategy),
		strategy:   cfg.Strategy,
		defaultTTL: cfg.DefaultTTL,
		maxEntries: cfg.MaxEntries,
		maxStatus:  cfg.MaxCacheableStatus,
		logger:     cfg.Logger,
		debug:      cfg.Debug,
		metrics:    cfg.Metrics,
	}
}

// ShouldStore reports whether the response may be cached: success status up
// to the configured ceiling and no Cache-Control directive forbidding it.
func (e *CacheEngine) ShouldStore(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode > e.maxStatus {
		return false
	}
	return !responseForbidsStore(resp)
}

// Get looks up key. Backend failures are logged and reported as a miss.
func (e *CacheEngine) Get(ctx context.Context, key, endpoint string) (*storage.Record, bool) {
	rec, err := e.backend.Get(ctx, key)
	if err != nil {
		e.metrics.RecordCacheError("get")
		e.logCache("Cache read failed", "key", key, "error", err)
		atomic.AddUint64(&e.misses, 1)
		e.metrics.RecordCacheMiss(endpoint)
		return nil, false
	}
	if rec == nil {
		atomic.AddUint64(&e.misses, 1)
		e.metrics.RecordCacheMiss(endpoint)
		return nil, false
	}

	e.policy.Touch(key, endpoint)
	atomic.AddUint64(&e.hits, 1)
	e.metrics.RecordCacheHit(endpoint)
	e.logCache("Cache hit", "key", key, "endpoint", endpoint)
	return rec, true
}

// SetOptions carries per-write cache directives.
type SetOptions struct {
	// RequestTTL is the caller's explicit TTL. It wins over everything.
	RequestTTL time.Duration
	// ResponseTTL is the TTL derived from response headers.
	ResponseTTL time.Duration
	// HasResponseTTL distinguishes an explicit zero from absence.
	HasResponseTTL bool

	Tags         []string
	Dependencies []string
}

// Set stores value under key, evicting per the configured strategy when the
// engine is at capacity. Write failures are logged and swallowed.
func (e *CacheEngine) Set(ctx context.Context, key, endpoint string, value []byte, opts SetOptions) {
	ttl := e.resolveTTL(endpoint, opts)
	if ttl < 0 {
		return
	}

	e.evictIfFull(ctx, key)

	now := time.Now()
	rec := &storage.Record{
		Value:        value,
		CreatedAt:    now,
		AccessedAt:   now,
		Tags:         opts.Tags,
		Dependencies: opts.Dependencies,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}

	if err := e.backend.Set(ctx, key, rec); err != nil {
		e.metrics.RecordCacheError("set")
		e.logCache("Cache write failed", "key", key, "error", err)
		return
	}
	e.policy.Insert(key, endpoint)
	e.recordSize(ctx)
	e.logCache("Cache store", "key", key, "ttl", ttl.String())
}

// resolveTTL applies the precedence chain: per-request TTL, response
// headers, smart prediction, engine default, backend default. A negative
// result means do not store.
func (e *CacheEngine) resolveTTL(endpoint string, opts SetOptions) time.Duration {
	if opts.RequestTTL > 0 {
		return opts.RequestTTL
	}
	if opts.HasResponseTTL {
		if opts.ResponseTTL <= 0 {
			return -1
		}
		return opts.ResponseTTL
	}

	fallback := e.defaultTTL
	if fallback == 0 {
		fallback = e.backend.DefaultTTL()
	}
	if predictor, ok := e.policy.(ttlPredictor); ok {
		return predictor.PredictTTL(endpoint, fallback)
	}
	return fallback
}

// evictIfFull removes strategy victims until an insert of key would fit.
func (e *CacheEngine) evictIfFull(ctx context.Context, incoming string) {
	if e.maxEntries <= 0 {
		return
	}
	for {
		n, err := e.backend.Len(ctx)
		if err != nil || n < e.maxEntries {
			return
		}
		victim, ok := e.policy.Victim()
		if !ok || victim == incoming {
			return
		}
		if err := e.backend.Delete(ctx, victim); err != nil {
			e.metrics.RecordCacheError("evict")
			e.policy.Remove(victim)
			return
		}
		e.policy.Remove(victim)
		e.logCache("Cache eviction", "key", victim, "strategy", e.strategy.String())
	}
}

// Delete removes a single entry.
func (e *CacheEngine) Delete(ctx context.Context, key string) error {
	err := e.backend.Delete(ctx, key)
	if err == nil {
		e.policy.Remove(key)
		e.recordSize(ctx)
	}
	return err
}

// Clear drops every entry and all eviction state.
func (e *CacheEngine) Clear(ctx context.Context) error {
	if err := e.backend.Clear(ctx); err != nil {
		return err
	}
	e.policy.Reset()
	e.recordSize(ctx)
	return nil
}

// InvalidateByTag removes every entry carrying tag and returns the count.
func (e *CacheEngine) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	n, err := e.backend.InvalidateByTag(ctx, tag)
	if err != nil {
		return 0, err
	}
	e.recordSize(ctx)
	e.logCache("Cache invalidation", "tag", tag, "removed", n)
	return n, nil
}

// InvalidateByDependency removes every entry depending on dep and returns the
// count.
func (e *CacheEngine) InvalidateByDependency(ctx context.Context, dep string) (int, error) {
	n, err := e.backend.InvalidateByDependency(ctx, dep)
	if err != nil {
		return 0, err
	}
	e.recordSize(ctx)
	e.logCache("Cache invalidation", "dependency", dep, "removed", n)
	return n, nil
}

// Stats returns engine counters and the current entry count.
func (e *CacheEngine) Stats(ctx context.Context) CacheStats {
	hits := atomic.LoadUint64(&e.hits)
	misses := atomic.LoadUint64(&e.misses)
	stats := CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if n, err := e.backend.Len(ctx); err == nil {
		stats.Entries = n
	}
	return stats
}

// Backend exposes the underlying store, mainly for tests and manual
// maintenance.
func (e *CacheEngine) Backend() storage.Backend {
	return e.backend
}

func (e *CacheEngine) recordSize(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if n, err := e.backend.Len(ctx); err == nil {
		e.metrics.RecordCacheSize(n)
	}
}

func (e *CacheEngine) logCache(msg string, keysAndValues ...interface{}) {
	if e.debug != nil && e.debug.Enabled && e.debug.LogCache && e.logger != nil {
		e.logger.Debug(msg, keysAndValues...)
	}
}
