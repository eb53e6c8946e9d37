package backoff

import (
	"math/rand"
	"time"
)

// Strategy is the interface for backoff delay algorithms.
type Strategy interface {
	// Calculate returns the delay for the given 1-based attempt number.
	Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialStrategy implements plain exponential backoff with optional
// uniform jitter: baseDelay * multiplier^(attempt-1). A maxDelay of zero
// means uncapped.
type ExponentialStrategy struct{}

func (ExponentialStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the exponent so the float math cannot overflow into negatives.
	if attempt > 31 {
		attempt = 31
	}

	delay := time.Duration(float64(baseDelay) * Pow(multiplier, attempt-1))
	if delay < 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		amount := time.Duration(float64(delay) * jitter * rand.Float64())
		if maxDelay > 0 && delay+amount > maxDelay {
			delay = maxDelay
		} else {
			delay += amount
		}
	}
	return delay
}

// DecorrelatedJitterStrategy implements decorrelated jitter as described in
// the AWS architecture blog: random_between(base, min(cap, base * 3^attempt)).
type DecorrelatedJitterStrategy struct{}

func (DecorrelatedJitterStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, _, _ float64) time.Duration {
	if attempt <= 1 {
		return baseDelay
	}
	if attempt > 11 {
		attempt = 11
	}

	base := float64(baseDelay)
	upper := base * Pow(3.0, attempt-1)
	if maxDelay > 0 && (upper > float64(maxDelay) || upper < 0) {
		upper = float64(maxDelay)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	return delay
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow calculates base^exponent by repeated multiplication, avoiding the
// math.Pow edge cases for the small integer exponents used here.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
