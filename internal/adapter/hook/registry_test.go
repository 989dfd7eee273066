package hook

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/enrichwatch/internal/config"
	"github.com/cwygoda/enrichwatch/internal/domain"
)

type mockHook struct {
	name   string
	status domain.JobStatus
	err    error
	ran    []string
}

func (h *mockHook) Name() string { return h.name }
func (h *mockHook) Match(job *domain.Job) bool { return job.Status == h.status }
func (h *mockHook) Run(ctx context.Context, job *domain.Job) error {
	h.ran = append(h.ran, job.ID)
	return h.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry(testLogger())
	failed := &mockHook{name: "failed", status: domain.StatusFailed}
	done := &mockHook{name: "done", status: domain.StatusCompleted}
	r.Register(failed)
	r.Register(done)

	matched := r.Match(&domain.Job{Status: domain.StatusFailed})
	require.Len(t, matched, 1)
	assert.Equal(t, "failed", matched[0].Name())

	assert.Empty(t, r.Match(&domain.Job{Status: domain.StatusCancelled}))
	assert.Len(t, r.Hooks(), 2)
}

func TestRegistry_FireContinuesAfterFailure(t *testing.T) {
	r := NewRegistry(testLogger())
	first := &mockHook{name: "first", status: domain.StatusFailed, err: errors.New("boom")}
	second := &mockHook{name: "second", status: domain.StatusFailed}
	r.Register(first)
	r.Register(second)

	r.Fire(context.Background(), &domain.Job{ID: "j1", Status: domain.StatusFailed})

	assert.Equal(t, []string{"j1"}, first.ran)
	assert.Equal(t, []string{"j1"}, second.ran)
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig([]config.HookConfig{
		{Name: "a", Command: "true"},
		{Name: "b", Status: "^failed$", Command: "true"},
	}, testLogger())
	require.NoError(t, err)
	assert.Len(t, r.Hooks(), 2)

	_, err = FromConfig([]config.HookConfig{{Name: "bad", Status: "[", Command: "true"}}, testLogger())
	assert.Error(t, err)
}
