package kelana

import (
	"net/http"
	"time"
)

// RetryCondition determines whether a failed attempt should be retried.
type RetryCondition func(resp *http.Response, err error) bool

// Middleware represents a middleware function wrapping the transport.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface. The core never
// interprets transport behavior beyond the returned response and error.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a configuration option.
type Option func(*Client)

// DeduplicationCondition decides whether a request is eligible for deduplication.
type DeduplicationCondition func(req *http.Request) bool

// DefaultDeduplicationCondition enables deduplication for safe idempotent methods.
func DefaultDeduplicationCondition(req *http.Request) bool {
	return req.Method == "GET" || req.Method == "HEAD" || req.Method == "OPTIONS"
}

// CacheCondition determines whether a request should be cached.
type CacheCondition func(req *http.Request) bool

// DefaultCacheCondition caches GET requests only.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == "GET"
}

// Context keys for per-request overrides.
type contextKey string

const (
	cacheControlKey contextKey = "kelana_cache_control"
	retryControlKey contextKey = "kelana_retry_control"
	priorityKey     contextKey = "kelana_priority"
)

// CacheControl holds per-request cache overrides. The TTL here is the highest
// tier of the TTL precedence chain.
type CacheControl struct {
	Enabled      bool
	TTL          time.Duration
	Tags         []string
	Dependencies []string
}

// RetryControl holds per-request retry overrides.
type RetryControl struct {
	MaxRetries *int
	Condition  RetryCondition
}
