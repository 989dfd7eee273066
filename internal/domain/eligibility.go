package domain

import "time"

// Verdict classifies one failed item against the retry policy.
type Verdict string

const (
	VerdictEligible    Verdict = "eligible"
	VerdictCoolingDown Verdict = "cooling_down"
	VerdictAtLimit     Verdict = "at_limit"
)

// Eligibility is the outcome of filtering failed items.
type Eligibility struct {
	Eligible    []FailedItem `json:"eligible"`
	CoolingDown int          `json:"coolingDown"`
	AtLimit     int          `json:"atLimit"`
	// NextAt maps each cooling-down item to the end of its backoff window.
	NextAt map[string]time.Time `json:"nextAt,omitempty"`
}

// Classify decides whether a single item may be retried automatically at now.
// Items with no history are always eligible.
func Classify(entry LedgerEntry, ok bool, policy RetryPolicy, now time.Time) Verdict {
	if !ok {
		return VerdictEligible
	}
	if entry.Count >= policy.MaxAttempts {
		return VerdictAtLimit
	}
	if now.Sub(entry.LastAttemptAt()) < policy.BackoffWindow() {
		return VerdictCoolingDown
	}
	return VerdictEligible
}

// ComputeEligible filters items down to those safe to retry automatically.
// It has no side effects; the order of eligible items follows the input.
func ComputeEligible(items []FailedItem, ledger Ledger, policy RetryPolicy, now time.Time) Eligibility {
	policy = policy.Clamp()
	result := Eligibility{Eligible: []FailedItem{}}
	for _, item := range items {
		entry, ok := ledger[item.ID]
		switch Classify(entry, ok, policy, now) {
		case VerdictEligible:
			result.Eligible = append(result.Eligible, item)
		case VerdictCoolingDown:
			result.CoolingDown++
			if at, ok := NextEligibleAt(entry, policy); ok {
				if result.NextAt == nil {
					result.NextAt = make(map[string]time.Time)
				}
				result.NextAt[item.ID] = at
			}
		case VerdictAtLimit:
			result.AtLimit++
		}
	}
	return result
}

// NextEligibleAt returns when a cooling-down item leaves its backoff window.
// The second result is false for items at their attempt limit.
func NextEligibleAt(entry LedgerEntry, policy RetryPolicy) (time.Time, bool) {
	if entry.Count >= policy.MaxAttempts {
		return time.Time{}, false
	}
	return entry.LastAttemptAt().Add(policy.BackoffWindow()), true
}
