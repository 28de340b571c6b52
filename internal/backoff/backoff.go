// Package backoff implements the exponential backoff strategy used when re-establishing the
// discovery stream after a failure.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Exponential computes exponentially increasing, jittered delays between consecutive retries.
type Exponential struct {
	// BaseDelay is the amount of time to wait before retrying after the first failure.
	BaseDelay time.Duration
	// Multiplier is the factor with which to multiply the delay after each retry.
	Multiplier float64
	// Jitter is the factor with which delays are randomized, e.g. 0.2 spreads each delay uniformly
	// over +/-20% of its nominal value.
	Jitter float64
	// MaxDelay is the upper bound of backoff delay.
	MaxDelay time.Duration
}

// DefaultExponential uses the values specified for backoff in
// https://github.com/grpc/grpc/blob/master/doc/connection-backoff.md.
var DefaultExponential = Exponential{
	BaseDelay:  1 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// Backoff returns the delay to wait before the given retry, counted from 0.
func (e Exponential) Backoff(retries int) time.Duration {
	if retries == 0 {
		return e.BaseDelay
	}
	backoff, max := float64(e.BaseDelay), float64(e.MaxDelay)
	for ; backoff < max && retries > 0; retries-- {
		backoff *= e.Multiplier
	}
	if backoff > max {
		backoff = max
	}
	// Randomize backoff delays so that if a cluster of requests start at the same time, they won't
	// operate in lockstep.
	backoff *= 1 + e.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
