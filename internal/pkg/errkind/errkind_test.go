package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"explicit kind", New(Network, "connection reset"), Network},
		{"wrapped kind survives fmt.Errorf", fmt.Errorf("outer: %w", New(ValidationRateLimited, "429")), ValidationRateLimited},
		{"deadline exceeded", context.DeadlineExceeded, Timeout},
		{"plain error", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Network))
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(ValidationServiceUnavailable))
	assert.True(t, Retryable(ValidationRateLimited))
	assert.True(t, Retryable(QueueProcessingFailed))

	assert.False(t, Retryable(AuthenticationFailed))
	assert.False(t, Retryable(PermissionDenied))
	assert.False(t, Retryable(FileFormat))
	assert.False(t, Retryable(InvalidStateTransition))
	assert.False(t, Retryable(Unknown))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(Network, nil))
}
