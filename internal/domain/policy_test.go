package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Clamp(t *testing.T) {
	tests := []struct {
		name string
		in   RetryPolicy
		want RetryPolicy
	}{
		{
			name: "defaults unchanged",
			in:   DefaultPolicy(),
			want: DefaultPolicy(),
		},
		{
			name: "below bounds",
			in:   RetryPolicy{MaxAttempts: 0, BackoffMinutes: -5},
			want: RetryPolicy{MaxAttempts: 1, BackoffMinutes: 1},
		},
		{
			name: "above bounds",
			in:   RetryPolicy{MaxAttempts: 11, BackoffMinutes: 61, AutoRetryEnabled: true},
			want: RetryPolicy{MaxAttempts: 10, BackoffMinutes: 60, AutoRetryEnabled: true},
		},
		{
			name: "edges kept",
			in:   RetryPolicy{MaxAttempts: 10, BackoffMinutes: 1},
			want: RetryPolicy{MaxAttempts: 10, BackoffMinutes: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Clamp())
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 10, p.BackoffMinutes)
	assert.False(t, p.AutoRetryEnabled)
	assert.Equal(t, 10*time.Minute, p.BackoffWindow())
}

func TestQueueSnapshot_ETA(t *testing.T) {
	s := QueueSnapshot{Pending: 30, Processing: 10, Success: 5, Total: 45}

	assert.Equal(t, 40, s.Outstanding())
	assert.Equal(t, 4*time.Minute, s.ETA(10))
	assert.Zero(t, s.ETA(0))
	assert.Zero(t, QueueSnapshot{Success: 3}.ETA(10))
}
