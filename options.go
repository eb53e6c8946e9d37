package kelana

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ambiyansyah-risyal/kelana/storage"
)

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the base delay for exponential backoff
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxRetryDelay caps the backoff delay
func WithMaxRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.maxRetryDelay = d
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithRetryCondition sets a custom retry condition
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCondition = fn
	}
}

// WithRetryPolicy replaces the whole retry policy; retry delay and condition
// options are ignored when this is set
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithKeyGenerator sets a custom request fingerprint generator
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *Client) {
		c.keyGen = gen
	}
}

// WithPartitionKey namespaces request fingerprints, keeping tenants or
// environments from sharing cache and deduplication state
func WithPartitionKey(key string) Option {
	return func(c *Client) {
		c.keyGen = NewKeyGenerator(key)
	}
}

// WithDeduplication enables coalescing of identical concurrent requests
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedupEnabled = true
	}
}

// WithDeduplicationCondition sets a custom deduplication condition function
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupEnabled = true
		c.dedupCondition = fn
	}
}

// WithDeduplicationLimits bounds the in-flight registry and sets the age past
// which stale entries may be swept
func WithDeduplicationLimits(maxInFlight int, maxAge time.Duration) Option {
	return func(c *Client) {
		c.dedupMaxInFlight = maxInFlight
		c.dedupMaxAge = maxAge
	}
}

// WithDeduplicationSweeper starts a background sweep of stale in-flight
// entries at the given interval
func WithDeduplicationSweeper(interval time.Duration) Option {
	return func(c *Client) {
		c.dedupSweep = interval
	}
}

// WithMaxConcurrent bounds the number of requests executing at once
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		c.maxConcurrent = n
	}
}

// WithMaxQueueSize bounds the scheduler wait queue; requests beyond it fail
// fast with a QueueFull error
func WithMaxQueueSize(n int) Option {
	return func(c *Client) {
		c.maxQueueSize = n
	}
}

// WithCache enables caching with the default in-memory backend
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheTTL = ttl
	}
}

// WithCacheBackend enables caching on a custom storage backend
func WithCacheBackend(backend storage.Backend) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.cacheBackend = backend
	}
}

// WithCacheStrategy selects the eviction strategy
func WithCacheStrategy(s Strategy) Option {
	return func(c *Client) {
		c.cacheStrategy = s
	}
}

// WithCacheMaxSize bounds the number of cached entries at the engine level
func WithCacheMaxSize(n int) Option {
	return func(c *Client) {
		c.cacheMaxSize = n
	}
}

// WithCacheCondition sets a custom cache condition function
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateSchedulerConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateDeduplicationConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.retryDelay <= 0 {
		errors = append(errors, "retryDelay must be positive")
	}

	if c.maxRetryDelay > 0 && c.maxRetryDelay < c.retryDelay {
		errors = append(errors, "maxRetryDelay must be greater than or equal to retryDelay")
	}

	if c.jitter < 0 || c.jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1 (will be clamped automatically)")
	}

	if c.maxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}

	return errors
}

// validateSchedulerConfig validates concurrency scheduler configuration
func (c *Client) validateSchedulerConfig() []string {
	var errors []string

	if c.maxConcurrent <= 0 {
		errors = append(errors, "maxConcurrent must be positive")
	}

	if c.maxQueueSize < 0 {
		errors = append(errors, "maxQueueSize must be non-negative")
	}

	return errors
}

// validateCacheConfig validates cache configuration
func (c *Client) validateCacheConfig() []string {
	var errors []string

	if c.cacheEnabled && c.cacheTTL < 0 {
		errors = append(errors, "cacheTTL must be non-negative when cache is enabled")
	}

	if c.cacheMaxSize < 0 {
		errors = append(errors, "cacheMaxSize must be non-negative")
	}

	if c.cacheEnabled && c.cacheTTL > 24*time.Hour {
		errors = append(errors, "cacheTTL > 24h may cause stale data issues")
	}

	return errors
}

// validateDeduplicationConfig validates deduplication configuration
func (c *Client) validateDeduplicationConfig() []string {
	var errors []string

	if c.dedupEnabled {
		if c.dedupCondition == nil {
			errors = append(errors, "deduplication condition must be set when deduplication is enabled")
		}
		if c.dedupMaxInFlight <= 0 {
			errors = append(errors, "deduplication maxInFlight must be positive")
		}
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateHTTPClientConfig validates HTTP client configuration
func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}

	return errors
}
