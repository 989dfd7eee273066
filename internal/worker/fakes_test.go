package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/domain"
)

var errNetwork = errors.New("network down")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// mockEnrichmentAPI implements domain.EnrichmentAPI for testing.
type mockEnrichmentAPI struct {
	mu        sync.Mutex
	snapshot  domain.QueueSnapshot
	failed    []domain.FailedItem
	statusErr error
	retryErr  error
	batches   [][]string
	loads     int

	// block, when set, holds RetryItems until it is closed.
	block   chan struct{}
	entered chan struct{}
}

func newMockEnrichmentAPI(ids ...string) *mockEnrichmentAPI {
	m := &mockEnrichmentAPI{}
	m.setFailed(ids...)
	return m
}

func (m *mockEnrichmentAPI) setFailed(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = make([]domain.FailedItem, len(ids))
	for i, id := range ids {
		m.failed[i] = domain.FailedItem{ID: id, Name: "lead " + id, LastError: "timeout"}
	}
	m.snapshot = domain.QueueSnapshot{Failed: len(ids), Success: 5, Total: len(ids) + 5}
}

func (m *mockEnrichmentAPI) QueueStatus(ctx context.Context) (domain.QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.statusErr != nil {
		return domain.QueueSnapshot{}, m.statusErr
	}
	return m.snapshot, nil
}

func (m *mockEnrichmentAPI) FailedItems(ctx context.Context, limit int) ([]domain.FailedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]domain.FailedItem(nil), m.failed...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *mockEnrichmentAPI) RetryItems(ctx context.Context, ids []string) error {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryErr != nil {
		return m.retryErr
	}
	m.batches = append(m.batches, append([]string(nil), ids...))
	return nil
}

func (m *mockEnrichmentAPI) submitted() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.batches...)
}

func (m *mockEnrichmentAPI) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// mockJobAPI implements domain.JobAPI by replaying a scripted sequence.
// The last response repeats once the script is exhausted.
type mockJobAPI struct {
	mu     sync.Mutex
	script []jobResponse
	calls  int
	list   []domain.Job
	delay  time.Duration
}

type jobResponse struct {
	status   domain.JobStatus
	aiStatus domain.AIStatus
	err      error
}

func (m *mockJobAPI) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if len(m.script) == 0 {
		return nil, domain.ErrJobNotFound
	}
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	r := m.script[i]
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Job{ID: id, Status: r.status, AIStatus: r.aiStatus}, nil
}

func (m *mockJobAPI) ListJobs(ctx context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return append([]domain.Job(nil), m.list...), nil
}

func (m *mockJobAPI) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
