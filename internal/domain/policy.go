package domain

import "time"

// Policy bounds.
const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10

	DefaultBackoffMinutes = 10
	MinBackoffMinutes     = 1
	MaxBackoffMinutes     = 60
)

// RetryPolicy controls automatic retries. It is user-editable and persisted.
type RetryPolicy struct {
	MaxAttempts      int  `json:"maxAttempts"`
	BackoffMinutes   int  `json:"backoffMinutes"`
	AutoRetryEnabled bool `json:"autoRetryEnabled"`
}

// DefaultPolicy returns the policy used when nothing has been stored.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      DefaultMaxAttempts,
		BackoffMinutes:   DefaultBackoffMinutes,
		AutoRetryEnabled: false,
	}
}

// Clamp returns the policy with every value forced into its bounds.
func (p RetryPolicy) Clamp() RetryPolicy {
	p.MaxAttempts = clamp(p.MaxAttempts, MinMaxAttempts, MaxMaxAttempts)
	p.BackoffMinutes = clamp(p.BackoffMinutes, MinBackoffMinutes, MaxBackoffMinutes)
	return p
}

// BackoffWindow returns the minimum time between attempts on one item.
func (p RetryPolicy) BackoffWindow() time.Duration {
	return time.Duration(p.BackoffMinutes) * time.Minute
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
