package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/pkg/errkind"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableKinds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errkind.New(errkind.Network, "connection reset")
		}
		return nil
	}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoTerminalKindFailsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errkind.New(errkind.PermissionDenied, "forbidden")
	}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal errors must not consume retry budget")
	assert.Equal(t, errkind.PermissionDenied, errkind.Classify(err))
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errkind.New(errkind.Timeout, "deadline")
	}, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, errkind.Timeout, errkind.Classify(err), "last error kind survives wrapping")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := fastPolicy()
	p.BaseDelay = time.Hour // would sleep forever without cancellation
	p.MaxDelay = time.Hour

	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, func(ctx context.Context) error {
			calls++
			return errkind.New(errkind.Network, "down")
		}, p)
	}()
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDelayBoundedAndNonDecreasing(t *testing.T) {
	p := Policy{
		MaxAttempts: 8,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		Jitter:      false,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, p.MaxDelay, "delay(%d) exceeds max", attempt)
		assert.GreaterOrEqual(t, d, prev, "delay(%d) decreased", attempt)
		prev = d
	}
}

func TestDelayJitterStaysUnderCap(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Second,
		Jitter:      true,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(5)
		assert.LessOrEqual(t, d, p.MaxDelay)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	}
}
