package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNoItems       = errors.New("no items to retry")
	ErrTransport     = errors.New("api request failed")
	ErrCycleInFlight = errors.New("retry cycle already in flight")
)

// Storage keys.
const (
	KeyAutoRetryEnabled = "ai-retry:auto-enabled"
	KeyMaxAttempts      = "ai-retry:max-attempts"
	KeyBackoffMinutes   = "ai-retry:backoff-minutes"
	ledgerKeyPrefix     = "ai-retry:ledger:"
)

// LedgerKey returns the storage key for an item's retry history.
func LedgerKey(id string) string {
	return ledgerKeyPrefix + id
}

// LedgerService reads and updates retry history in a KVStore.
// Every write goes through RecordAttempts so count and timestamp never drift.
type LedgerService struct {
	store KVStore
	mu    sync.Mutex
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(store KVStore) *LedgerService {
	return &LedgerService{store: store}
}

// Entry returns the history for one item. Corrupt values read as no history.
func (s *LedgerService) Entry(ctx context.Context, id string) (LedgerEntry, bool, error) {
	raw, ok, err := s.store.Get(ctx, LedgerKey(id))
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("read ledger %s: %w", id, err)
	}
	if !ok {
		return LedgerEntry{}, false, nil
	}
	entry, ok := decodeEntry(raw)
	return entry, ok, nil
}

// Load returns the ledger view for the given ids.
func (s *LedgerService) Load(ctx context.Context, ids []string) (Ledger, error) {
	ledger := make(Ledger, len(ids))
	for _, id := range ids {
		entry, ok, err := s.Entry(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			ledger[id] = entry
		}
	}
	return ledger, nil
}

// RecordAttempts increments the attempt count of every id and stamps it with at.
// The group is written in one SetMany call; on error nothing is written.
func (s *LedgerService) RecordAttempts(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make(map[string]string, len(ids))
	for _, id := range ids {
		entry, _, err := s.Entry(ctx, id)
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry.Next(at))
		if err != nil {
			return fmt.Errorf("encode ledger %s: %w", id, err)
		}
		updates[LedgerKey(id)] = string(data)
	}

	if err := s.store.SetMany(ctx, updates); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func decodeEntry(raw string) (LedgerEntry, bool) {
	var entry LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return LedgerEntry{}, false
	}
	if entry.Count < 0 {
		return LedgerEntry{}, false
	}
	return entry, true
}

// PolicyService persists the retry policy, one key per field.
type PolicyService struct {
	store KVStore
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(store KVStore) *PolicyService {
	return &PolicyService{store: store}
}

// Load returns the stored policy. Missing or malformed fields fall back to defaults.
func (s *PolicyService) Load(ctx context.Context) (RetryPolicy, error) {
	policy := DefaultPolicy()

	if raw, ok, err := s.store.Get(ctx, KeyAutoRetryEnabled); err != nil {
		return policy, fmt.Errorf("read policy: %w", err)
	} else if ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			policy.AutoRetryEnabled = v
		}
	}

	if raw, ok, err := s.store.Get(ctx, KeyMaxAttempts); err != nil {
		return policy, fmt.Errorf("read policy: %w", err)
	} else if ok {
		if v, err := strconv.Atoi(raw); err == nil {
			policy.MaxAttempts = v
		}
	}

	if raw, ok, err := s.store.Get(ctx, KeyBackoffMinutes); err != nil {
		return policy, fmt.Errorf("read policy: %w", err)
	} else if ok {
		if v, err := strconv.Atoi(raw); err == nil {
			policy.BackoffMinutes = v
		}
	}

	return policy.Clamp(), nil
}

// Save clamps and stores the policy, returning what was stored.
func (s *PolicyService) Save(ctx context.Context, policy RetryPolicy) (RetryPolicy, error) {
	policy = policy.Clamp()
	err := s.store.SetMany(ctx, map[string]string{
		KeyAutoRetryEnabled: strconv.FormatBool(policy.AutoRetryEnabled),
		KeyMaxAttempts:      strconv.Itoa(policy.MaxAttempts),
		KeyBackoffMinutes:   strconv.Itoa(policy.BackoffMinutes),
	})
	if err != nil {
		return policy, fmt.Errorf("write policy: %w", err)
	}
	return policy, nil
}

// SetAutoRetry stores only the auto-retry flag.
func (s *PolicyService) SetAutoRetry(ctx context.Context, enabled bool) error {
	if err := s.store.Set(ctx, KeyAutoRetryEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}

// Reset removes every stored policy field so defaults apply again.
func (s *PolicyService) Reset(ctx context.Context) (RetryPolicy, error) {
	for _, key := range []string{KeyAutoRetryEnabled, KeyMaxAttempts, KeyBackoffMinutes} {
		if err := s.store.Delete(ctx, key); err != nil {
			return DefaultPolicy(), fmt.Errorf("reset policy: %w", err)
		}
	}
	return DefaultPolicy(), nil
}
