package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/domain"
	"github.com/cwygoda/enrichwatch/internal/monitoring"
)

// Retry triggers, used in logs and metric labels.
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
	TriggerAll    = "all"
)

// Defaults for RetryOptions.
const (
	DefaultRetryInterval = 2 * time.Minute
	DefaultPageSize      = 50
)

// RetryState is the observable state of a RetryScheduler.
type RetryState struct {
	Snapshot    domain.QueueSnapshot `json:"snapshot"`
	Failed      []domain.FailedItem  `json:"failed"`
	Eligibility domain.Eligibility   `json:"eligibility"`
	Policy      domain.RetryPolicy   `json:"policy"`
	Loading     bool                 `json:"loading"`
	InFlight    bool                 `json:"inFlight"`
	AutoRunning bool                 `json:"autoRunning"`
	LastError   string               `json:"lastError,omitempty"`
	LoadedAt    time.Time            `json:"loadedAt"`
	LastCycleAt time.Time            `json:"lastCycleAt"`
}

func (s RetryState) clone() RetryState {
	s.Failed = append([]domain.FailedItem(nil), s.Failed...)
	s.Eligibility.Eligible = append([]domain.FailedItem{}, s.Eligibility.Eligible...)
	s.Eligibility.NextAt = maps.Clone(s.Eligibility.NextAt)
	return s
}

// RetryOptions configures a RetryScheduler. Zero values use defaults.
type RetryOptions struct {
	Interval time.Duration
	PageSize int
	Now      func() time.Time
	OnChange func(RetryState)
}

// RetryScheduler decides which failed items to retry and submits them.
//
// At most one network cycle runs at a time. Ticks that arrive while a cycle
// is in flight are skipped, not queued. Manual operations share the same
// guard and fail with domain.ErrCycleInFlight while it is held.
type RetryScheduler struct {
	api      domain.EnrichmentAPI
	ledger   *domain.LedgerService
	policies *domain.PolicyService
	log      *logrus.Entry
	interval time.Duration
	pageSize int
	now      func() time.Time
	onChange func(RetryState)

	inFlight atomic.Bool

	mu      sync.Mutex
	state   RetryState
	task    *Task
	live    *atomic.Bool
	baseCtx context.Context
}

// NewRetryScheduler creates a scheduler. Call Start to load the stored
// policy and begin auto-retry if it is enabled.
func NewRetryScheduler(api domain.EnrichmentAPI, ledger *domain.LedgerService, policies *domain.PolicyService, logger *logrus.Logger, opts RetryOptions) *RetryScheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRetryInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &RetryScheduler{
		api:      api,
		ledger:   ledger,
		policies: policies,
		log:      logger.WithField("component", "retry"),
		interval: opts.Interval,
		pageSize: opts.PageSize,
		now:      opts.Now,
		onChange: opts.OnChange,
		state: RetryState{
			Failed:      []domain.FailedItem{},
			Eligibility: domain.Eligibility{Eligible: []domain.FailedItem{}},
			Policy:      domain.DefaultPolicy(),
		},
		baseCtx: context.Background(),
	}
}

// Start loads the stored policy and starts the auto-retry timer if enabled.
// Auto cycles run under ctx.
func (s *RetryScheduler) Start(ctx context.Context) error {
	policy, err := s.policies.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.update(func(st *RetryState) { st.Policy = policy })
	s.applyAutoRetry(policy.AutoRetryEnabled)

	s.log.WithFields(logrus.Fields{
		"max_attempts":    policy.MaxAttempts,
		"backoff_minutes": policy.BackoffMinutes,
		"auto_retry":      policy.AutoRetryEnabled,
	}).Info("Retry scheduler started")
	return nil
}

// Stop cancels the auto-retry timer.
func (s *RetryScheduler) Stop() {
	s.applyAutoRetry(false)
}

// State returns a copy of the current state.
func (s *RetryScheduler) State() RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// LoadSnapshot fetches queue counts and failed items. On failure the
// previous state is kept and the error is returned.
func (s *RetryScheduler) LoadSnapshot(ctx context.Context) (domain.QueueSnapshot, []domain.FailedItem, error) {
	if !s.acquire() {
		return domain.QueueSnapshot{}, nil, domain.ErrCycleInFlight
	}
	defer s.release()
	return s.loadSnapshot(ctx)
}

// RetryBatch submits ids as one batch, ignoring eligibility.
func (s *RetryScheduler) RetryBatch(ctx context.Context, ids []string) error {
	if !s.acquire() {
		return domain.ErrCycleInFlight
	}
	defer s.release()
	return s.submit(ctx, TriggerManual, ids)
}

// RetryOne submits a single item, ignoring eligibility.
func (s *RetryScheduler) RetryOne(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrNoItems
	}
	return s.RetryBatch(ctx, []string{id})
}

// RetryAll submits every item from the last snapshot, ignoring eligibility.
func (s *RetryScheduler) RetryAll(ctx context.Context) error {
	if !s.acquire() {
		return domain.ErrCycleInFlight
	}
	defer s.release()

	s.mu.Lock()
	ids := domain.IDs(s.state.Failed)
	s.mu.Unlock()

	return s.submit(ctx, TriggerAll, ids)
}

// RunCycle loads a snapshot and retries the eligible items in one batch.
// It returns domain.ErrCycleInFlight without doing anything if another
// cycle or manual operation is running.
func (s *RetryScheduler) RunCycle(ctx context.Context) error {
	return s.guardedCycle(ctx, nil)
}

// guardedCycle runs a cycle under the in-flight guard. live, when set, is
// checked once the guard is held so a disabled timer starts no new cycle.
func (s *RetryScheduler) guardedCycle(ctx context.Context, live *atomic.Bool) error {
	if !s.acquire() {
		monitoring.RecordSkippedCycle()
		s.log.Debug("Retry cycle skipped, previous still in flight")
		return domain.ErrCycleInFlight
	}
	defer s.release()
	if live != nil && !live.Load() {
		s.log.Debug("Auto-retry stopped, cycle not started")
		return nil
	}

	ctx, span := monitoring.StartSpan(ctx, "retry.cycle", nil)
	err := s.runCycle(ctx)
	monitoring.EndSpan(span, err)

	s.update(func(st *RetryState) { st.LastCycleAt = s.now() })
	return err
}

func (s *RetryScheduler) runCycle(ctx context.Context) error {
	if _, _, err := s.loadSnapshot(ctx); err != nil {
		return err
	}

	st := s.State()
	ids := domain.IDs(st.Eligibility.Eligible)
	log := s.log.WithFields(logrus.Fields{
		"eligible":     len(ids),
		"cooling_down": st.Eligibility.CoolingDown,
		"at_limit":     st.Eligibility.AtLimit,
	})
	if len(ids) == 0 {
		log.Debug("No items eligible for retry")
		return nil
	}

	log.Info("Retrying eligible items")
	return s.submit(ctx, TriggerAuto, ids)
}

// SetPolicy clamps and stores policy, then applies it.
func (s *RetryScheduler) SetPolicy(ctx context.Context, policy domain.RetryPolicy) (domain.RetryPolicy, error) {
	saved, err := s.policies.Save(ctx, policy)
	if err != nil {
		return s.State().Policy, err
	}
	s.applyPolicy(ctx, saved)
	return saved, nil
}

// SetAutoRetry stores the auto-retry flag and starts or stops the timer.
func (s *RetryScheduler) SetAutoRetry(ctx context.Context, enabled bool) error {
	if err := s.policies.SetAutoRetry(ctx, enabled); err != nil {
		return err
	}
	policy := s.State().Policy
	policy.AutoRetryEnabled = enabled
	s.applyPolicy(ctx, policy)
	return nil
}

// ResetPolicy removes the stored policy and applies the defaults.
func (s *RetryScheduler) ResetPolicy(ctx context.Context) (domain.RetryPolicy, error) {
	policy, err := s.policies.Reset(ctx)
	if err != nil {
		return s.State().Policy, err
	}
	s.applyPolicy(ctx, policy)
	return policy, nil
}

func (s *RetryScheduler) applyPolicy(ctx context.Context, policy domain.RetryPolicy) {
	s.update(func(st *RetryState) { st.Policy = policy })
	if err := s.refreshEligibility(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to recompute eligibility")
	}
	s.applyAutoRetry(policy.AutoRetryEnabled)
}

func (s *RetryScheduler) applyAutoRetry(enabled bool) {
	s.mu.Lock()
	running := s.task != nil
	var task *Task
	switch {
	case enabled && !running:
		ctx := s.baseCtx
		live := &atomic.Bool{}
		live.Store(true)
		s.live = live
		s.task = Every(s.interval, func() {
			err := s.guardedCycle(ctx, live)
			if err != nil && !errors.Is(err, domain.ErrCycleInFlight) {
				s.log.WithError(err).Warn("Auto-retry cycle failed")
			}
		})
	case !enabled && running:
		s.live.Store(false)
		task, s.task, s.live = s.task, nil, nil
	}
	s.state.AutoRunning = s.task != nil
	s.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	if enabled == running {
		return
	}
	if enabled {
		s.log.WithField("interval", s.interval).Info("Auto-retry enabled")
	} else {
		s.log.Info("Auto-retry disabled")
	}
	s.notify()
}

func (s *RetryScheduler) acquire() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	s.update(func(st *RetryState) { st.InFlight = true })
	return true
}

func (s *RetryScheduler) release() {
	s.update(func(st *RetryState) { st.InFlight = false })
	s.inFlight.Store(false)
}

func (s *RetryScheduler) loadSnapshot(ctx context.Context) (domain.QueueSnapshot, []domain.FailedItem, error) {
	s.update(func(st *RetryState) { st.Loading = true })

	snapshot, items, eligibility, err := s.fetch(ctx)
	if err != nil {
		monitoring.RecordSnapshotFailure()
		s.log.WithError(err).Warn("Failed to load queue snapshot")
		s.update(func(st *RetryState) {
			st.Loading = false
			st.LastError = err.Error()
		})
		return domain.QueueSnapshot{}, nil, err
	}

	monitoring.RecordSnapshot(snapshot.Pending, snapshot.Processing, snapshot.Success, snapshot.Failed, snapshot.Total)
	monitoring.UpdateRetryBreakdown(len(eligibility.Eligible), eligibility.CoolingDown, eligibility.AtLimit)

	s.update(func(st *RetryState) {
		st.Snapshot = snapshot
		st.Failed = items
		st.Eligibility = eligibility
		st.Loading = false
		st.LastError = ""
		st.LoadedAt = s.now()
	})
	return snapshot, append([]domain.FailedItem(nil), items...), nil
}

func (s *RetryScheduler) fetch(ctx context.Context) (domain.QueueSnapshot, []domain.FailedItem, domain.Eligibility, error) {
	snapshot, err := s.api.QueueStatus(ctx)
	if err != nil {
		return domain.QueueSnapshot{}, nil, domain.Eligibility{}, fmt.Errorf("queue status: %w", err)
	}
	items, err := s.api.FailedItems(ctx, s.pageSize)
	if err != nil {
		return domain.QueueSnapshot{}, nil, domain.Eligibility{}, fmt.Errorf("failed items: %w", err)
	}
	if items == nil {
		items = []domain.FailedItem{}
	}
	eligibility, err := s.eligibility(ctx, items)
	if err != nil {
		return domain.QueueSnapshot{}, nil, domain.Eligibility{}, err
	}
	return snapshot, items, eligibility, nil
}

func (s *RetryScheduler) eligibility(ctx context.Context, items []domain.FailedItem) (domain.Eligibility, error) {
	ledger, err := s.ledger.Load(ctx, domain.IDs(items))
	if err != nil {
		return domain.Eligibility{}, err
	}
	return domain.ComputeEligible(items, ledger, s.State().Policy, s.now()), nil
}

// refreshEligibility recomputes the breakdown for the cached failed items.
func (s *RetryScheduler) refreshEligibility(ctx context.Context) error {
	eligibility, err := s.eligibility(ctx, s.State().Failed)
	if err != nil {
		return err
	}
	monitoring.UpdateRetryBreakdown(len(eligibility.Eligible), eligibility.CoolingDown, eligibility.AtLimit)
	s.update(func(st *RetryState) { st.Eligibility = eligibility })
	return nil
}

// submit sends ids in one request and records the attempt only on success.
func (s *RetryScheduler) submit(ctx context.Context, trigger string, ids []string) error {
	if len(ids) == 0 {
		return domain.ErrNoItems
	}

	ctx, span := monitoring.StartSpan(ctx, "retry.submit", map[string]interface{}{
		"trigger": trigger,
		"items":   len(ids),
	})
	log := s.log.WithFields(logrus.Fields{"trigger": trigger, "item_count": len(ids)})

	start := time.Now()
	err := s.api.RetryItems(ctx, ids)
	if err != nil {
		monitoring.RecordRetrySubmission(trigger, "failed", len(ids), time.Since(start).Seconds())
		monitoring.EndSpan(span, err)
		log.WithError(err).Warn("Retry submission failed")
		s.update(func(st *RetryState) { st.LastError = err.Error() })
		return fmt.Errorf("submit retry: %w", err)
	}
	monitoring.RecordRetrySubmission(trigger, "success", len(ids), time.Since(start).Seconds())

	if err := s.ledger.RecordAttempts(ctx, ids, s.now()); err != nil {
		monitoring.EndSpan(span, err)
		log.WithError(err).Error("Retry accepted but ledger update failed")
		s.update(func(st *RetryState) { st.LastError = err.Error() })
		return err
	}
	monitoring.EndSpan(span, nil)
	log.Info("Retry submitted")

	if err := s.refreshEligibility(ctx); err != nil {
		log.WithError(err).Warn("Failed to recompute eligibility")
	}
	s.update(func(st *RetryState) { st.LastError = "" })
	return nil
}

func (s *RetryScheduler) update(fn func(*RetryState)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
}

func (s *RetryScheduler) notify() {
	if s.onChange != nil {
		s.onChange(s.State())
	}
}
