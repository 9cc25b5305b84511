package pipeline

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes how long a retryable failure keeps a row out of
// sweeps. Attempt 1 is the first retry after the initial failure. Strategies
// are stateless and safe for concurrent use.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff always returns the same delay. A zero interval makes
// retried rows immediately sweep-eligible, which tests rely on.
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(_ int) time.Duration {
	return c.Interval
}

// ExponentialBackoff doubles the delay each attempt, with full jitter:
// a random duration in [0, min(Initial * 2^(attempt-1), Max)]. Jitter keeps a
// burst of failing jobs from becoming sweep-eligible at the same instant.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base)
}
