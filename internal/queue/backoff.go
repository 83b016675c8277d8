package queue

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns the wait before attempt attemptsMade+1:
// base * factor^(attemptsMade-1), capped at BackoffMax. A RetryAfter hint
// on err replaces the computed value.
func backoffDelay(cfg Config, attemptsMade int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return min(ra.RetryAfter(), cfg.BackoffMax)
	}

	exp := math.Pow(cfg.BackoffFactor, float64(max(0, attemptsMade-1)))
	d := time.Duration(float64(cfg.BackoffBase) * exp)
	if d <= 0 || d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	if cfg.BackoffJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.BackoffJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(0, d), cfg.BackoffMax)
}
