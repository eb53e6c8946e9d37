package backoff

import "time"

// Calculator binds a Strategy to fixed parameters so callers compute delays
// from an attempt number alone.
type Calculator struct {
	strategy   Strategy
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     float64
}

// NewCalculator creates a calculator. maxDelay of zero means uncapped.
func NewCalculator(strategy Strategy, baseDelay, maxDelay time.Duration, multiplier, jitter float64) *Calculator {
	return &Calculator{
		strategy:   strategy,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Delay returns the backoff delay for the given 1-based attempt number.
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Calculate(attempt, c.baseDelay, c.maxDelay, c.multiplier, c.jitter)
}

// Exponential returns a calculator with plain exponential doubling and no
// jitter: baseDelay * 2^(attempt-1).
func Exponential(baseDelay, maxDelay time.Duration) *Calculator {
	return NewCalculator(ExponentialStrategy{}, baseDelay, maxDelay, 2.0, 0)
}

// ExponentialJitter returns an exponential calculator with uniform jitter.
func ExponentialJitter(baseDelay, maxDelay time.Duration, jitter float64) *Calculator {
	return NewCalculator(ExponentialStrategy{}, baseDelay, maxDelay, 2.0, jitter)
}

// DecorrelatedJitter returns an AWS-style decorrelated jitter calculator.
func DecorrelatedJitter(baseDelay, maxDelay time.Duration) *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{}, baseDelay, maxDelay, 3.0, 0)
}
