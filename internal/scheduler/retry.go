package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fentz26/scriptd/internal/models"
)

// Backoff strategies.
const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"
)

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff returns the delay before retry number n (1-based).
	Backoff func(n int) time.Duration
	// Retryable reports whether err may be retried at all.
	Retryable func(err error) bool
}

// DefaultRetryPolicy retries infrastructure failures three times, a minute apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    ConstantBackoff(60 * time.Second),
		Retryable:  IsTransient,
	}
}

// NewRetryPolicy builds a policy from configuration values.
func NewRetryPolicy(maxRetries int, strategy string, delay, maxDelay time.Duration) (RetryPolicy, error) {
	p := RetryPolicy{MaxRetries: maxRetries, Retryable: IsTransient}
	switch strategy {
	case "", StrategyConstant:
		p.Backoff = ConstantBackoff(delay)
	case StrategyExponential:
		p.Backoff = ExponentialBackoff(delay, maxDelay)
	default:
		return RetryPolicy{}, fmt.Errorf("unknown retry strategy %q", strategy)
	}
	return p, nil
}

// IsTransient reports whether err is an infrastructure failure. Script
// failures, timeouts and cancellations are final.
func IsTransient(err error) bool {
	return models.KindOf(err) == models.KindTransient
}

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	b := backoff.NewConstantBackOff(d)
	return func(int) time.Duration {
		return b.NextBackOff()
	}
}

// ExponentialBackoff doubles the delay from initial on each retry, capped
// at maxDelay. A zero maxDelay means no cap.
func ExponentialBackoff(initial, maxDelay time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		if maxDelay > 0 {
			b.MaxInterval = maxDelay
		} else {
			b.MaxInterval = time.Duration(1<<63 - 1)
		}
		b.Reset()

		d := b.NextBackOff()
		for i := 1; i < n; i++ {
			d = b.NextBackOff()
		}
		return d
	}
}

// Next returns the delay before the next attempt, or false when err must
// not be retried because of its kind or because the budget is spent.
// retryCount is the number of retries already performed.
func (p RetryPolicy) Next(err error, retryCount int) (time.Duration, bool) {
	if p.Retryable == nil || !p.Retryable(err) {
		return 0, false
	}
	if retryCount >= p.MaxRetries {
		return 0, false
	}
	if p.Backoff == nil {
		return 0, true
	}
	return p.Backoff(retryCount + 1), true
}
