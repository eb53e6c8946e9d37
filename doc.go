// Package kelana is a client-side HTTP convenience layer built around a
// request execution core:
//
//   - Deterministic request fingerprinting (method + URL + sorted query params, optional body)
//   - In-flight de-duplication (concurrent identical requests share one underlying call)
//   - Bounded-concurrency scheduling with a bounded FIFO wait queue
//   - Multi-tier response caching (memory LRU, Redis, SQLite) with pluggable
//     eviction strategies (LRU / LFU / TTL / smart adaptive) and tag invalidation
//   - Retries with exponential backoff and a hard attempt ceiling
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - No process-wide state: every map, queue and cache is instance state
//   - Safe concurrent use of a single *Client instance
//   - Fail-open caching: cache faults never fail the primary request
//
// Typical usage:
//
//	client := kelana.New(
//	    kelana.WithMaxConcurrent(8),
//	    kelana.WithCache(5*time.Minute),
//	    kelana.WithDeduplication(),
//	    kelana.WithMaxRetries(3),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// The wire transport stays pluggable: provide your own *http.Client via
// WithHTTPClient, or wrap it with WithMiddleware for auth, tracing, etc.
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger) and enable debug flags selectively for insight without noise.
package kelana
