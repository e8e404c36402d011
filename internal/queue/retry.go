package queue

import (
	"math/rand"
	"time"

	"github.com/hydraproject/hydra/internal/fault"
)

// RetryPolicy decides whether and when a failed attempt runs again. The
// decision is a pure function of the error classification and the attempt
// count, never of handler internals.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// withDefaults fills unset fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	return p
}

// ShouldRetry reports whether the attempt that just failed with err may run
// again. attempts is the number of attempts already made.
func (p RetryPolicy) ShouldRetry(err error, attempts int) bool {
	return attempts < p.MaxRetries && fault.IsRetryable(err)
}

// Delay computes the pause before the next attempt. attempts is the number
// already made, so the first retry (attempts=1) waits BaseDelay. A backend
// Retry-After hint overrides the exponential schedule, clamped to MaxDelay.
func (p RetryPolicy) Delay(attempts int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}

	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		spread := 1 + (rand.Float64()*2-1)*p.Jitter
		d = time.Duration(float64(d) * spread)
	}
	return d
}
