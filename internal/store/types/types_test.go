package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsValid(t *testing.T) {
	assert.True(t, StatusPending.IsValid())
	assert.True(t, StatusProcessing.IsValid())
	assert.True(t, StatusCompleted.IsValid())
	assert.True(t, StatusDeadLetter.IsValid())
	assert.False(t, Status("failed").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusDeadLetter.IsTerminal())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},  // 64s capped
		{10, 60 * time.Second}, // far past the cap
		{0, 1 * time.Second},   // clamped to first attempt
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_Backoff_BaseAboveMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Backoff(1))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
