package hook

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/config"
	"github.com/cwygoda/enrichwatch/internal/domain"
)

// Hook is run for finished jobs it matches.
type Hook interface {
	Name() string
	Match(job *domain.Job) bool
	Run(ctx context.Context, job *domain.Job) error
}

// Registry holds registered hooks.
type Registry struct {
	hooks []Hook
	log   *logrus.Entry
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{log: logger.WithField("component", "hook")}
}

// FromConfig builds a registry with one CommandHook per config entry.
func FromConfig(hooks []config.HookConfig, logger *logrus.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, hc := range hooks {
		h, err := NewCommandHook(hc)
		if err != nil {
			return nil, err
		}
		r.Register(h)
	}
	return r, nil
}

// Register adds a hook to the registry.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Match returns every hook that matches the job, in registration order.
func (r *Registry) Match(job *domain.Job) []Hook {
	var matched []Hook
	for _, h := range r.hooks {
		if h.Match(job) {
			matched = append(matched, h)
		}
	}
	return matched
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook {
	return r.hooks
}

// Fire runs every matching hook in turn. Failures are logged, not returned.
func (r *Registry) Fire(ctx context.Context, job *domain.Job) {
	for _, h := range r.Match(job) {
		log := r.log.WithFields(logrus.Fields{"hook": h.Name(), "job_id": job.ID, "status": job.Status})
		if err := h.Run(ctx, job); err != nil {
			log.WithError(err).Warn("Hook failed")
			continue
		}
		log.Info("Hook completed")
	}
}
