package domain

import "time"

// LedgerEntry is the persisted retry history of one item.
// Last is stored as unix milliseconds.
type LedgerEntry struct {
	Count int   `json:"count"`
	Last  int64 `json:"last"`
}

// NewLedgerEntry builds an entry for the given attempt count and time.
func NewLedgerEntry(count int, at time.Time) LedgerEntry {
	return LedgerEntry{Count: count, Last: at.UnixMilli()}
}

// LastAttemptAt returns the time of the most recent attempt.
func (e LedgerEntry) LastAttemptAt() time.Time {
	return time.UnixMilli(e.Last)
}

// Next returns the entry after one more attempt at the given time.
// Count and timestamp always move together.
func (e LedgerEntry) Next(at time.Time) LedgerEntry {
	return NewLedgerEntry(e.Count+1, at)
}

// Ledger is a read view of retry history keyed by item id.
type Ledger map[string]LedgerEntry
