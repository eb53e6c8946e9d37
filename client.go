package kelana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/kelana/storage"
)

// Client is a convenience HTTP client that layers request deduplication,
// concurrency scheduling, multi-tier caching, retries, middleware and metrics
// around the standard net/http Client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	middleware []Middleware

	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	jitter         float64
	retryCondition RetryCondition
	retryPolicy    RetryPolicy

	keyGen KeyGenerator

	dedupEnabled     bool
	dedupCondition   DeduplicationCondition
	dedupMaxInFlight int
	dedupMaxAge      time.Duration
	dedupSweep       time.Duration
	dedup            *Deduplicator

	maxConcurrent int
	maxQueueSize  int
	scheduler     *Scheduler

	cacheEnabled   bool
	cacheCondition CacheCondition
	cacheTTL       time.Duration
	cacheStrategy  Strategy
	cacheMaxSize   int
	cacheBackend   storage.Backend
	cache          *CacheEngine

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		middleware:       []Middleware{},
		maxRetries:       3,
		retryDelay:       100 * time.Millisecond,
		maxRetryDelay:    10 * time.Second,
		jitter:           0.1,
		retryCondition:   DefaultRetryCondition,
		keyGen:           NewKeyGenerator(""),
		dedupCondition:   DefaultDeduplicationCondition,
		dedupMaxInFlight: 1000,
		dedupMaxAge:      5 * time.Minute,
		maxConcurrent:    10,
		maxQueueSize:     100,
		cacheCondition:   DefaultCacheCondition,
		cacheTTL:         5 * time.Minute,
		cacheStrategy:    StrategyLRU,
		debug:            DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.maxRetries, client.retryDelay,
			WithRetryPolicyCondition(client.retryCondition),
			WithRetryPolicyMaxDelay(client.maxRetryDelay),
			WithRetryPolicyJitter(client.jitter),
		)
	}

	client.scheduler = NewScheduler(client.maxConcurrent, client.maxQueueSize)
	client.scheduler.metrics = client.metrics
	client.scheduler.logger = client.logger
	client.scheduler.debug = client.debug

	if client.dedupEnabled {
		client.dedup = NewDeduplicator(client.dedupMaxInFlight, client.dedupMaxAge)
		if client.dedupSweep > 0 {
			client.dedup.StartSweeper(client.dedupSweep)
		}
	}

	if client.cacheEnabled {
		client.cache = NewCacheEngine(CacheEngineConfig{
			Backend:    client.cacheBackend,
			Strategy:   client.cacheStrategy,
			DefaultTTL: client.cacheTTL,
			MaxEntries: client.cacheMaxSize,
			Logger:     client.logger,
			Debug:      client.debug,
			Metrics:    client.metrics,
		})
	}

	return client
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes a prepared *http.Request. Identical concurrent requests are
// coalesced onto a single execution, executions compete for a bounded number
// of concurrency slots, and successful responses are cached per the
// configured policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := getEndpointFromRequest(req)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("Starting request", "requestID", requestID, "method", req.Method, "url", req.URL.String(), "endpoint", endpoint)
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	if err := captureBody(req); err != nil {
		return nil, c.createClientError(ErrorTypeValidation, "request body is not readable", err, requestID, req, 0, time.Since(start))
	}

	fingerprint, err := c.keyGen.Key(req)
	if err != nil {
		return nil, c.createClientError(ErrorTypeValidation, "fingerprint generation failed", err, requestID, req, 0, time.Since(start))
	}

	var resp *http.Response
	if c.dedup != nil && c.dedupCondition(req) {
		var shared bool
		resp, err, shared = c.dedup.Execute(req.Context(), fingerprint, func() (*http.Response, error) {
			return c.executeOnce(req, fingerprint, endpoint, requestID, start)
		})
		if err != nil && req.Context().Err() != nil {
			// A waiter whose context settles first gets the raw context
			// error; map it onto the same taxonomy as every other
			// cancellation path.
			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				err = c.contextError(req.Context(), requestID, req, 0, time.Since(start))
			}
		}
		if resp != nil {
			// Shared results are materialized without a request; attach this
			// caller's own.
			resp.Request = req
		}
		if shared {
			c.metrics.RecordDeduplicationHit(req.Method, endpoint)
			if c.debug != nil && c.debug.Enabled && c.debug.LogDeduplication && c.logger != nil {
				c.logger.Debug("Deduplication hit", "requestID", requestID, "fingerprint", fingerprint)
			}
		}
	} else {
		resp, err = c.executeOnce(req, fingerprint, endpoint, requestID, start)
	}

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))

	return resp, err
}

// executeOnce runs the cache-check, scheduling and retry pipeline for a
// single coalesced execution.
func (c *Client) executeOnce(req *http.Request, fingerprint, endpoint, requestID string, start time.Time) (*http.Response, error) {
	ctx := req.Context()
	cacheOn := c.cacheAllowed(req)

	if cacheOn {
		if rec, ok := c.cache.Get(ctx, fingerprint, endpoint); ok {
			if resp, err := responseFromRecord(req, rec); err == nil {
				return resp, nil
			}
			// Undecodable entry: drop it and fetch fresh.
			_ = c.cache.Delete(ctx, fingerprint)
		}
	}

	resp, err := c.scheduler.SchedulePriority(ctx, priorityFromContext(ctx), func() (*http.Response, error) {
		return c.doWithRetry(req, requestID, start)
	})
	if err != nil {
		return nil, err
	}

	if cacheOn && c.cache.ShouldStore(resp) {
		resp = c.storeResponse(ctx, fingerprint, endpoint, requestID, resp)
	}

	return resp, nil
}

// cacheAllowed applies the per-request override first and the configured
// condition second.
func (c *Client) cacheAllowed(req *http.Request) bool {
	if c.cache == nil {
		return false
	}
	if control, ok := cacheControlFromContext(req.Context()); ok {
		return control.Enabled
	}
	return c.cacheCondition(req)
}

// storeResponse buffers the body, writes the entry and hands back a response
// whose body is replayable. Failures degrade to not caching.
func (c *Client) storeResponse(ctx context.Context, fingerprint, endpoint, requestID string, resp *http.Response) *http.Response {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := cachedResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return resp
	}

	opts := SetOptions{}
	if ttl, ok := responseTTL(resp, time.Now()); ok {
		opts.ResponseTTL = ttl
		opts.HasResponseTTL = true
	}
	if control, ok := cacheControlFromContext(ctx); ok {
		opts.RequestTTL = control.TTL
		opts.Tags = control.Tags
		opts.Dependencies = control.Dependencies
	}

	c.cache.Set(ctx, fingerprint, endpoint, value, opts)

	if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
		c.logger.Debug("Response cached", "requestID", requestID, "fingerprint", fingerprint)
	}
	return resp
}

// doWithRetry performs the transport round trips for one execution. Attempts
// are 1-based; attempt n waits baseDelay*2^(n-1) before retrying when the
// policy allows.
func (c *Client) doWithRetry(req *http.Request, requestID string, start time.Time) (*http.Response, error) {
	ctx := req.Context()
	endpoint := getEndpointFromRequest(req)
	policy := c.policyForRequest(ctx)

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := rewindBody(req); err != nil {
				return nil, c.createClientError(ErrorTypeValidation, "request body cannot be replayed", err, requestID, req, attempt, time.Since(start))
			}
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("Retry attempt", "requestID", requestID, "attempt", attempt, "endpoint", endpoint)
			}
			c.metrics.RecordRetry(req.Method, endpoint, attempt)
		}

		resp, err := c.executeMiddleware(req)

		if err != nil && ctx.Err() != nil {
			return nil, c.contextError(ctx, requestID, req, attempt, time.Since(start))
		}

		if !policy.ShouldRetry(resp, err, attempt) {
			if err != nil {
				c.metrics.RecordError(ErrorTypeNetwork, req.Method, endpoint)
				return nil, c.createClientError(ErrorTypeNetwork, "network request failed", err, requestID, req, attempt, time.Since(start))
			}
			return resp, nil
		}

		delay := policy.DelayFor(attempt)
		if resp != nil {
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > delay {
				delay = after
			}
			// The response will be replaced by the retry.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("Scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay, "endpoint", endpoint)
		}

		if err := sleepContext(ctx, delay); err != nil {
			return nil, c.contextError(ctx, requestID, req, attempt, time.Since(start))
		}
	}
}

// policyForRequest applies context retry overrides on top of the configured
// policy.
func (c *Client) policyForRequest(ctx context.Context) RetryPolicy {
	control, ok := retryControlFromContext(ctx)
	if !ok {
		return c.retryPolicy
	}

	maxRetries := c.maxRetries
	if control.MaxRetries != nil {
		maxRetries = *control.MaxRetries
	}
	condition := c.retryCondition
	if control.Condition != nil {
		condition = control.Condition
	}
	return NewDefaultRetryPolicy(maxRetries, c.retryDelay,
		WithRetryPolicyCondition(condition),
		WithRetryPolicyMaxDelay(c.maxRetryDelay),
		WithRetryPolicyJitter(c.jitter),
	)
}

func (c *Client) contextError(ctx context.Context, requestID string, req *http.Request, attempt int, duration time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.metrics.RecordError(ErrorTypeTimeout, req.Method, getEndpointFromRequest(req))
		return c.createClientError(ErrorTypeTimeout, "request deadline exceeded", ctx.Err(), requestID, req, attempt, duration)
	}
	c.metrics.RecordError(ErrorTypeCancel, req.Method, getEndpointFromRequest(req))
	return c.createClientError(ErrorTypeCancel, "request cancelled", ctx.Err(), requestID, req, attempt, duration)
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func (c *Client) createClientError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration) *ClientError {
	return &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        req.URL.String(),
		Attempt:    attempt,
		MaxRetries: c.maxRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
		Endpoint:   getEndpointFromRequest(req),
	}
}

// Cache exposes the cache engine for invalidation and stats, nil when caching
// is disabled.
func (c *Client) Cache() *CacheEngine {
	return c.cache
}

// Scheduler exposes the concurrency scheduler.
func (c *Client) Scheduler() *Scheduler {
	return c.scheduler
}

// Deduplicator exposes the deduplication coordinator, nil when deduplication
// is disabled.
func (c *Client) Deduplicator() *Deduplicator {
	return c.dedup
}

// Close stops background workers. The client must not be used afterwards.
func (c *Client) Close() {
	if c.dedup != nil {
		c.dedup.Close()
	}
	c.scheduler.CancelQueue(ErrQueueCancelled)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// cachedResponse is the serialized form of a response stored in a backend.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

func responseFromRecord(req *http.Request, rec *storage.Record) (*http.Response, error) {
	var entry cachedResponse
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return nil, err
	}

	header := make(http.Header, len(entry.Header))
	for k, v := range entry.Header {
		header[k] = append([]string(nil), v...)
	}

	return &http.Response{
		StatusCode:    entry.StatusCode,
		Status:        entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}, nil
}

// captureBody makes the request body replayable so fingerprinting and retries
// can both read it.
func captureBody(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func rewindBody(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
