// Package retry wraps fallible operations with bounded exponential-backoff
// retries. Only errors whose classified kind is retryable consume retry
// budget; terminal kinds fail immediately.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

// Operation is a single attempt of the wrapped work.
type Operation func(ctx context.Context) error

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter enables full jitter: each delay becomes random(0, delay).
	Jitter bool
	// RetryableKinds optionally narrows which kinds are retried. Empty
	// means the errkind package's default retryable set.
	RetryableKinds []errkind.Kind
}

// DefaultPolicy matches production defaults for external calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   1 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

func (p Policy) retryable(k errkind.Kind) bool {
	if len(p.RetryableKinds) == 0 {
		return errkind.Retryable(k)
	}
	for _, rk := range p.RetryableKinds {
		if rk == k {
			return true
		}
	}
	return false
}

// Delay returns the backoff before the given retry attempt (attempt >= 1):
// min(base × multiplier^(attempt-1), max). Without jitter it is
// non-decreasing and bounded by MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = rand.Float64() * d
		// Floor to avoid busy-looping
		if d < float64(100*time.Millisecond) {
			d = float64(100 * time.Millisecond)
		}
	}
	return time.Duration(d)
}

// Do runs op under the policy. It returns nil on the first success, the
// classified error immediately for terminal kinds, and the last error
// once retries are exhausted.
func Do(ctx context.Context, op Operation, p Policy) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return lastErr
				}
				return ctx.Err()
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := errkind.Classify(err)
		if !p.retryable(kind) {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
