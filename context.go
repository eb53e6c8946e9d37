package kelana

import (
	"context"
	"time"
)

// WithCacheControl attaches per-request cache overrides to the context.
func WithCacheControl(ctx context.Context, control CacheControl) context.Context {
	return context.WithValue(ctx, cacheControlKey, control)
}

// WithCacheEnabled forces caching on for this request regardless of the
// client's cache condition.
func WithCacheEnabled(ctx context.Context) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: true})
}

// WithCacheDisabled bypasses the cache for this request.
func WithCacheDisabled(ctx context.Context) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: false})
}

// WithCacheTTL enables caching for this request with an explicit TTL. The TTL
// outranks response headers and all configured defaults.
func WithCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: true, TTL: ttl})
}

// WithCacheTags enables caching for this request and labels the entry so it
// can be removed later via InvalidateByTag.
func WithCacheTags(ctx context.Context, tags ...string) context.Context {
	return WithCacheControl(ctx, CacheControl{Enabled: true, Tags: tags})
}

func cacheControlFromContext(ctx context.Context) (CacheControl, bool) {
	control, ok := ctx.Value(cacheControlKey).(CacheControl)
	return control, ok
}

// WithRetryControl attaches per-request retry overrides to the context.
func WithRetryControl(ctx context.Context, control RetryControl) context.Context {
	return context.WithValue(ctx, retryControlKey, control)
}

// WithMaxRetriesOverride caps retries for this request only.
func WithMaxRetriesOverride(ctx context.Context, maxRetries int) context.Context {
	return WithRetryControl(ctx, RetryControl{MaxRetries: &maxRetries})
}

// WithRetryConditionOverride replaces the retry condition for this request
// only.
func WithRetryConditionOverride(ctx context.Context, cond RetryCondition) context.Context {
	return WithRetryControl(ctx, RetryControl{Condition: cond})
}

func retryControlFromContext(ctx context.Context) (RetryControl, bool) {
	control, ok := ctx.Value(retryControlKey).(RetryControl)
	return control, ok
}

// WithPriority marks the request's scheduling priority. Higher values leave
// the wait queue first; the default is zero.
func WithPriority(ctx context.Context, priority int) context.Context {
	return context.WithValue(ctx, priorityKey, priority)
}

func priorityFromContext(ctx context.Context) int {
	if priority, ok := ctx.Value(priorityKey).(int); ok {
		return priority
	}
	return 0
}
