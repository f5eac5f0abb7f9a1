package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFormula(t *testing.T) {
	t.Parallel()

	p := Policy{BackoffFactor: 2, MaxRetryCount: 3}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffUnitFactor(t *testing.T) {
	t.Parallel()

	p := Policy{BackoffFactor: 1, MaxRetryCount: 3}
	for attempt := 1; attempt <= 6; attempt++ {
		want := time.Duration(1<<(attempt-1)) * time.Second
		assert.Equal(t, want, p.Backoff(attempt))
	}
}

func TestCanRetryCeiling(t *testing.T) {
	t.Parallel()

	p := Policy{BackoffFactor: 1, MaxRetryCount: 3}
	assert.True(t, p.CanRetry(0))
	assert.True(t, p.CanRetry(1))
	assert.True(t, p.CanRetry(2))
	assert.False(t, p.CanRetry(3))
	assert.False(t, p.CanRetry(4))
}
