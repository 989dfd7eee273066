package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func items(ids ...string) []FailedItem {
	out := make([]FailedItem, len(ids))
	for i, id := range ids {
		out[i] = FailedItem{ID: id, Name: "Lead " + id}
	}
	return out
}

func TestComputeEligible_EmptyLedger(t *testing.T) {
	got := ComputeEligible(items("A", "B", "C"), Ledger{}, DefaultPolicy(), testNow)

	assert.Equal(t, []string{"A", "B", "C"}, IDs(got.Eligible))
	assert.Zero(t, got.CoolingDown)
	assert.Zero(t, got.AtLimit)
}

func TestComputeEligible_BackoffAndLimit(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BackoffMinutes: 10}

	tests := []struct {
		name     string
		entry    LedgerEntry
		want     Verdict
		eligible bool
	}{
		{
			name:  "cooling down at five minutes",
			entry: NewLedgerEntry(2, testNow.Add(-5*time.Minute)),
			want:  VerdictCoolingDown,
		},
		{
			name:     "eligible after eleven minutes",
			entry:    NewLedgerEntry(2, testNow.Add(-11*time.Minute)),
			want:     VerdictEligible,
			eligible: true,
		},
		{
			name:     "eligible exactly at window",
			entry:    NewLedgerEntry(1, testNow.Add(-10*time.Minute)),
			want:     VerdictEligible,
			eligible: true,
		},
		{
			name:  "at limit regardless of time",
			entry: NewLedgerEntry(3, testNow.Add(-1000*time.Hour)),
			want:  VerdictAtLimit,
		},
		{
			name:  "above limit",
			entry: NewLedgerEntry(7, testNow.Add(-5*time.Minute)),
			want:  VerdictAtLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.entry, true, policy, testNow))

			got := ComputeEligible(items("X"), Ledger{"X": tt.entry}, policy, testNow)
			assert.Equal(t, tt.eligible, len(got.Eligible) == 1)
			switch tt.want {
			case VerdictCoolingDown:
				assert.Equal(t, 1, got.CoolingDown)
			case VerdictAtLimit:
				assert.Equal(t, 1, got.AtLimit)
			}
		})
	}
}

func TestComputeEligible_Scenario(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BackoffMinutes: 10}
	entry := NewLedgerEntry(2, testNow.Add(-5*time.Minute))

	got := ComputeEligible(items("X"), Ledger{"X": entry}, policy, testNow)
	assert.Empty(t, got.Eligible)
	assert.Equal(t, 1, got.CoolingDown)

	later := testNow.Add(6 * time.Minute)
	got = ComputeEligible(items("X"), Ledger{"X": entry}, policy, later)
	assert.Equal(t, []string{"X"}, IDs(got.Eligible))

	entry = entry.Next(later)
	for _, offset := range []time.Duration{0, time.Hour, 24 * time.Hour, 365 * 24 * time.Hour} {
		got = ComputeEligible(items("X"), Ledger{"X": entry}, policy, later.Add(offset))
		assert.Empty(t, got.Eligible)
		assert.Equal(t, 1, got.AtLimit)
	}
}

func TestComputeEligible_Monotonicity(t *testing.T) {
	for maxAttempts := MinMaxAttempts; maxAttempts <= MaxMaxAttempts; maxAttempts++ {
		policy := RetryPolicy{MaxAttempts: maxAttempts, BackoffMinutes: 1}
		for count := maxAttempts; count < maxAttempts+3; count++ {
			entry := NewLedgerEntry(count, testNow.Add(-48*time.Hour))
			got := ComputeEligible(items("X"), Ledger{"X": entry}, policy, testNow)
			assert.Empty(t, got.Eligible, "max=%d count=%d", maxAttempts, count)
		}
	}
}

func TestComputeEligible_BackoffRespect(t *testing.T) {
	for minutes := MinBackoffMinutes; minutes <= MaxBackoffMinutes; minutes += 7 {
		policy := RetryPolicy{MaxAttempts: 10, BackoffMinutes: minutes}
		entry := NewLedgerEntry(1, testNow.Add(-policy.BackoffWindow()+time.Second))
		got := ComputeEligible(items("X"), Ledger{"X": entry}, policy, testNow)
		assert.Empty(t, got.Eligible, "backoff=%d", minutes)
	}
}

func TestComputeEligible_Mixed(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BackoffMinutes: 10}
	ledger := Ledger{
		"cool":  NewLedgerEntry(1, testNow.Add(-time.Minute)),
		"limit": NewLedgerEntry(2, testNow.Add(-time.Hour)),
		"ready": NewLedgerEntry(1, testNow.Add(-time.Hour)),
	}

	got := ComputeEligible(items("new", "cool", "limit", "ready"), ledger, policy, testNow)

	assert.Equal(t, []string{"new", "ready"}, IDs(got.Eligible))
	assert.Equal(t, 1, got.CoolingDown)
	assert.Equal(t, 1, got.AtLimit)
}

func TestComputeEligible_ClampsPolicy(t *testing.T) {
	// MaxAttempts of zero would block everything; it is clamped to one.
	got := ComputeEligible(items("X"), Ledger{}, RetryPolicy{}, testNow)
	assert.Len(t, got.Eligible, 1)
}

func TestComputeEligible_DoesNotMutateLedger(t *testing.T) {
	ledger := Ledger{"X": NewLedgerEntry(1, testNow.Add(-time.Hour))}
	before := ledger["X"]

	ComputeEligible(items("X", "Y"), ledger, DefaultPolicy(), testNow)

	assert.Equal(t, before, ledger["X"])
	assert.Len(t, ledger, 1)
}

func TestNextEligibleAt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BackoffMinutes: 10}

	at, ok := NextEligibleAt(NewLedgerEntry(1, testNow), policy)
	assert.True(t, ok)
	assert.True(t, at.Equal(testNow.Add(10*time.Minute)))

	_, ok = NextEligibleAt(NewLedgerEntry(3, testNow), policy)
	assert.False(t, ok)
}

func TestComputeEligible_NextAt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BackoffMinutes: 10}
	ledger := Ledger{
		"cool": NewLedgerEntry(1, testNow.Add(-4*time.Minute)),
		"done": NewLedgerEntry(3, testNow.Add(-4*time.Minute)),
	}

	got := ComputeEligible(items("cool", "done", "fresh"), ledger, policy, testNow)

	assert.Len(t, got.NextAt, 1)
	assert.True(t, got.NextAt["cool"].Equal(testNow.Add(6*time.Minute)))

	none := ComputeEligible(items("fresh"), Ledger{}, policy, testNow)
	assert.Nil(t, none.NextAt)
}
