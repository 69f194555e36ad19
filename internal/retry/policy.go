// Package retry holds the per-step backoff policies. A policy is a pure
// function of the attempt number: it owns no clock and returns only
// retry-after durations; the engine decides when to read the clock.
package retry

import (
	"math"
	"time"

	"github.com/lexure-intelligence/cash-application/internal/activity"
)

// Policy describes when and how a failed step attempt is retried.
type Policy struct {
	InitialInterval    time.Duration
	MaximumInterval    time.Duration
	BackoffCoefficient float64
	MaximumAttempts    int
	NonRetryableKinds  []activity.Kind
}

// RetryAfter reports whether attempt number n (1-indexed) that failed with
// kind should be retried, and after what delay. Delays grow as
// initial * coefficient^(n-1), capped at MaximumInterval.
func (p Policy) RetryAfter(n int, kind activity.Kind) (time.Duration, bool) {
	if !kind.Retryable() {
		return 0, false
	}
	for _, k := range p.NonRetryableKinds {
		if k == kind {
			return 0, false
		}
	}
	if p.MaximumAttempts > 0 && n >= p.MaximumAttempts {
		return 0, false
	}

	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 2.0
	}
	initial := p.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}

	delay := time.Duration(float64(initial) * math.Pow(coeff, float64(n-1)))
	if p.MaximumInterval > 0 && (delay > p.MaximumInterval || delay < 0) {
		delay = p.MaximumInterval
	}
	return delay, true
}

// DefaultRead is the short policy attached to read-path steps.
func DefaultRead() Policy {
	return Policy{
		InitialInterval:    time.Second,
		MaximumInterval:    time.Minute,
		BackoffCoefficient: 2.0,
		MaximumAttempts:    3,
	}
}

// DefaultWrite is the longer policy attached to ERP write steps.
func DefaultWrite() Policy {
	return Policy{
		InitialInterval:    5 * time.Second,
		MaximumInterval:    3 * time.Minute,
		BackoffCoefficient: 2.0,
		MaximumAttempts:    3,
	}
}
