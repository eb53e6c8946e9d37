package kelana

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/kelana/internal/backoff"
)

// RetryPolicy decides, per failure, whether to retry and what delay to use.
// Attempt numbers are 1-based: ShouldRetry(resp, err, 1) is asked after the
// first attempt fails.
type RetryPolicy interface {
	ShouldRetry(resp *http.Response, err error, attempt int) bool
	DelayFor(attempt int) time.Duration
}

// DelayCalculator overrides the default exponential delay curve.
type DelayCalculator func(attempt int) time.Duration

// DefaultRetryCondition retries when no response was received (network-level
// failure) or the status is in the server-error range.
//
// The condition is method-blind: it does not verify idempotency before
// allowing a retry of a non-GET request. Callers retrying mutating methods
// should narrow it via WithRetryCondition or a per-request RetryControl.
func DefaultRetryCondition(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 && resp.StatusCode <= 599
}

// DefaultRetryPolicy implements exponential backoff with a hard attempt
// ceiling: baseDelay * 2^(attempt-1), uncapped unless MaxDelay is set.
type DefaultRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	condition  RetryCondition
	calculator DelayCalculator
	jitter     float64
	calc       *backoff.Calculator
}

// RetryPolicyOption configures a DefaultRetryPolicy.
type RetryPolicyOption func(*DefaultRetryPolicy)

// WithRetryPolicyCondition replaces the retry predicate.
func WithRetryPolicyCondition(cond RetryCondition) RetryPolicyOption {
	return func(p *DefaultRetryPolicy) {
		p.condition = cond
	}
}

// WithRetryPolicyMaxDelay caps the computed delay. The default imposes no cap.
func WithRetryPolicyMaxDelay(d time.Duration) RetryPolicyOption {
	return func(p *DefaultRetryPolicy) {
		p.maxDelay = d
	}
}

// WithRetryPolicyCalculator overrides the delay curve entirely.
func WithRetryPolicyCalculator(calc DelayCalculator) RetryPolicyOption {
	return func(p *DefaultRetryPolicy) {
		p.calculator = calc
	}
}

// WithRetryPolicyJitter adds uniform jitter in [0, f] to the default curve.
func WithRetryPolicyJitter(f float64) RetryPolicyOption {
	return func(p *DefaultRetryPolicy) {
		p.jitter = f
	}
}

// NewDefaultRetryPolicy creates the default policy.
func NewDefaultRetryPolicy(maxRetries int, baseDelay time.Duration, opts ...RetryPolicyOption) *DefaultRetryPolicy {
	p := &DefaultRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		condition:  DefaultRetryCondition,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.jitter > 0 {
		p.calc = backoff.ExponentialJitter(p.baseDelay, p.maxDelay, p.jitter)
	} else {
		p.calc = backoff.Exponential(p.baseDelay, p.maxDelay)
	}
	return p
}

// ShouldRetry implements RetryPolicy. Once attempt exceeds maxRetries it
// returns false unconditionally, so the most recent error propagates unchanged.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) bool {
	if attempt > p.maxRetries {
		return false
	}
	return p.condition(resp, err)
}

// DelayFor implements RetryPolicy.
func (p *DefaultRetryPolicy) DelayFor(attempt int) time.Duration {
	if p.calculator != nil {
		return p.calculator(attempt)
	}
	return p.calc.Delay(attempt)
}

// MaxRetries exposes the attempt ceiling.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// parseRetryAfter parses the Retry-After header value. It supports both the
// delay-seconds format and the HTTP-date format, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
