package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/domain"
	"github.com/cwygoda/enrichwatch/internal/monitoring"
)

// Poller defaults.
const (
	DefaultJobPollInterval  = 3 * time.Second
	DefaultListPollInterval = 30 * time.Second
	DefaultMaxWatchedJobs   = 100
	DefaultNotFoundLimit    = 5
)

// ErrWatchLimit is returned when a Watcher is already watching its maximum
// number of jobs.
var ErrWatchLimit = errors.New("watched job limit reached")

// pollLoop runs step immediately and then on every tick until stopped.
// alive gates lifecycle; inFlight keeps fetches from overlapping.
type pollLoop struct {
	name     string
	alive    atomic.Bool
	inFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	task     *Task
	done     chan struct{}
	stopOnce sync.Once
}

// step fetches once and reports whether polling should end.
type step func(ctx context.Context) (finished bool)

func (l *pollLoop) start(parent context.Context, interval time.Duration, fn step) {
	l.ctx, l.cancel = context.WithCancel(parent)
	l.done = make(chan struct{})
	l.alive.Store(true)
	monitoring.PollerStarted(l.name)

	l.mu.Lock()
	l.task = Every(interval, func() { l.tick(fn) })
	l.mu.Unlock()

	go l.tick(fn)
	go func() {
		select {
		case <-l.ctx.Done():
			l.stop()
		case <-l.done:
		}
	}()
}

func (l *pollLoop) tick(fn step) {
	if !l.alive.Load() {
		return
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer l.inFlight.Store(false)
	// stop may have run while the previous fetch held the guard.
	if !l.alive.Load() {
		return
	}

	if fn(l.ctx) {
		l.stop()
	}
}

// stop clears the timer and marks the loop dead. Results that arrive
// afterwards are discarded by the alive check in each step.
func (l *pollLoop) stop() bool {
	stopped := false
	l.stopOnce.Do(func() {
		stopped = true
		l.alive.Store(false)

		l.mu.Lock()
		task := l.task
		l.mu.Unlock()
		if task != nil {
			task.Cancel()
		}

		l.cancel()
		monitoring.PollerStopped(l.name)
		close(l.done)
	})
	return stopped
}

// JobState is the observable state of a JobPoller.
type JobState struct {
	JobID     string      `json:"jobId"`
	Job       *domain.Job `json:"job,omitempty"`
	Loading   bool        `json:"loading"`
	LastError string      `json:"lastError,omitempty"`
	NotFound  bool        `json:"notFound,omitempty"`
	Misses    int         `json:"misses,omitempty"`
	Fetches   int         `json:"fetches"`
	Finished  bool        `json:"finished"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (s JobState) clone() JobState {
	if s.Job != nil {
		job := *s.Job
		s.Job = &job
	}
	return s
}

// JobPoller refreshes one job until it is finished.
// A job whose status is terminal keeps being polled while its AI tail runs.
// A job the API keeps reporting as missing is given up after notFoundLimit
// consecutive fetches.
type JobPoller struct {
	loop          pollLoop
	id            string
	api           domain.JobAPI
	interval      time.Duration
	notFoundLimit int
	log           *logrus.Entry
	onChange      func(JobState)

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.Mutex
	state JobState
}

// StartJobPoller fetches jobID immediately and then every interval.
// It stops on its own once the job is finished, after DefaultNotFoundLimit
// consecutive not-found fetches, or when ctx is cancelled.
func StartJobPoller(ctx context.Context, api domain.JobAPI, jobID string, interval time.Duration, logger *logrus.Logger, onChange func(JobState)) *JobPoller {
	p := newJobPoller(api, jobID, interval, DefaultNotFoundLimit, logger, onChange)
	p.start(ctx)
	return p
}

func newJobPoller(api domain.JobAPI, jobID string, interval time.Duration, notFoundLimit int, logger *logrus.Logger, onChange func(JobState)) *JobPoller {
	if interval <= 0 {
		interval = DefaultJobPollInterval
	}
	return &JobPoller{
		loop:          pollLoop{name: "job"},
		id:            jobID,
		api:           api,
		interval:      interval,
		notFoundLimit: notFoundLimit,
		log:           logger.WithFields(logrus.Fields{"component": "poller", "job_id": jobID}),
		onChange:      onChange,
		ready:         make(chan struct{}),
		state:         JobState{JobID: jobID},
	}
}

func (p *JobPoller) start(ctx context.Context) {
	p.log.WithField("interval", p.interval).Debug("Job poller started")
	p.loop.start(ctx, p.interval, p.fetch)
}

func (p *JobPoller) fetch(ctx context.Context) bool {
	defer p.readyOnce.Do(func() { close(p.ready) })
	p.update(func(st *JobState) { st.Loading = true })

	ctx, span := monitoring.StartSpan(ctx, "poll.job", map[string]interface{}{"job_id": p.id})
	job, err := p.api.GetJob(ctx, p.id)
	monitoring.EndSpan(span, err)

	if !p.loop.alive.Load() {
		return false
	}

	if err != nil {
		monitoring.RecordPollFetch("job", "error")
		p.log.WithError(err).Warn("Job fetch failed")
		notFound := errors.Is(err, domain.ErrJobNotFound)
		misses := 0
		p.update(func(st *JobState) {
			st.Loading = false
			st.LastError = err.Error()
			st.NotFound = notFound
			if notFound {
				st.Misses++
			} else {
				st.Misses = 0
			}
			st.Fetches++
			misses = st.Misses
		})
		if p.notFoundLimit > 0 && misses >= p.notFoundLimit {
			p.log.WithField("misses", misses).Warn("Job not found, polling given up")
			return true
		}
		return false
	}

	monitoring.RecordPollFetch("job", "success")
	finished := job.IsFinished()
	p.update(func(st *JobState) {
		st.Job = job
		st.Loading = false
		st.LastError = ""
		st.NotFound = false
		st.Misses = 0
		st.Fetches++
		st.Finished = finished
		st.UpdatedAt = time.Now()
	})
	if finished {
		p.log.WithFields(logrus.Fields{
			"status":    job.Status,
			"ai_status": job.AIStatus,
		}).Info("Job finished, polling stopped")
	}
	return finished
}

// Ready is closed once the first fetch has completed.
func (p *JobPoller) Ready() <-chan struct{} {
	return p.ready
}

// State returns a copy of the current state.
func (p *JobPoller) State() JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// Done is closed once polling has stopped for any reason.
func (p *JobPoller) Done() <-chan struct{} {
	return p.loop.done
}

// Stop ends polling. A response that arrives later is discarded.
func (p *JobPoller) Stop() {
	if p.loop.stop() {
		p.log.Debug("Job poller stopped")
	}
}

func (p *JobPoller) update(fn func(*JobState)) {
	if !p.loop.alive.Load() {
		return
	}
	p.mu.Lock()
	fn(&p.state)
	st := p.state.clone()
	p.mu.Unlock()
	if p.onChange != nil {
		p.onChange(st)
	}
}

// ListState is the observable state of a ListPoller.
type ListState struct {
	Jobs      []domain.Job `json:"jobs"`
	Loading   bool         `json:"loading"`
	LastError string       `json:"lastError,omitempty"`
	Fetches   int          `json:"fetches"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// ListPoller refreshes the job list until stopped. It has no terminal state.
type ListPoller struct {
	loop     pollLoop
	api      domain.JobAPI
	log      *logrus.Entry
	onChange func(ListState)

	mu    sync.Mutex
	state ListState
}

// StartListPoller fetches the job list immediately and then every interval.
func StartListPoller(ctx context.Context, api domain.JobAPI, interval time.Duration, logger *logrus.Logger, onChange func(ListState)) *ListPoller {
	if interval <= 0 {
		interval = DefaultListPollInterval
	}
	p := &ListPoller{
		loop:     pollLoop{name: "list"},
		api:      api,
		log:      logger.WithField("component", "list-poller"),
		onChange: onChange,
		state:    ListState{Jobs: []domain.Job{}},
	}
	p.loop.start(ctx, interval, p.fetch)
	return p
}

func (p *ListPoller) fetch(ctx context.Context) bool {
	p.update(func(st *ListState) { st.Loading = true })

	jobs, err := p.api.ListJobs(ctx)
	if !p.loop.alive.Load() {
		return false
	}

	if err != nil {
		monitoring.RecordPollFetch("list", "error")
		p.log.WithError(err).Warn("Job list fetch failed")
		p.update(func(st *ListState) {
			st.Loading = false
			st.LastError = err.Error()
			st.Fetches++
		})
		return false
	}

	monitoring.RecordPollFetch("list", "success")
	p.update(func(st *ListState) {
		st.Jobs = jobs
		st.Loading = false
		st.LastError = ""
		st.Fetches++
		st.UpdatedAt = time.Now()
	})
	return false
}

// State returns a copy of the current state.
func (p *ListPoller) State() ListState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state
	st.Jobs = append([]domain.Job{}, st.Jobs...)
	return st
}

// Done is closed once the poller has stopped.
func (p *ListPoller) Done() <-chan struct{} {
	return p.loop.done
}

// Stop ends polling.
func (p *ListPoller) Stop() {
	p.loop.stop()
}

func (p *ListPoller) update(fn func(*ListState)) {
	if !p.loop.alive.Load() {
		return
	}
	p.mu.Lock()
	fn(&p.state)
	p.mu.Unlock()
	if p.onChange != nil {
		p.onChange(p.State())
	}
}

// WatchOptions configures a Watcher. Zero values use defaults.
type WatchOptions struct {
	Interval      time.Duration
	MaxJobs       int
	NotFoundLimit int
}

// Watcher keeps one JobPoller per job id, up to MaxJobs at a time.
// Pollers that stop before their job finishes are dropped.
type Watcher struct {
	ctx           context.Context
	api           domain.JobAPI
	interval      time.Duration
	maxJobs       int
	notFoundLimit int
	logger        *logrus.Logger
	log           *logrus.Entry

	mu       sync.Mutex
	pollers  map[string]*JobPoller
	onFinish func(domain.Job)
}

// NewWatcher creates a Watcher whose pollers live until ctx is cancelled.
func NewWatcher(ctx context.Context, api domain.JobAPI, logger *logrus.Logger, opts WatchOptions) *Watcher {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxWatchedJobs
	}
	if opts.NotFoundLimit <= 0 {
		opts.NotFoundLimit = DefaultNotFoundLimit
	}
	return &Watcher{
		ctx:           ctx,
		api:           api,
		interval:      opts.Interval,
		maxJobs:       opts.MaxJobs,
		notFoundLimit: opts.NotFoundLimit,
		logger:        logger,
		log:           logger.WithField("component", "watcher"),
		pollers:       make(map[string]*JobPoller),
	}
}

// OnFinish registers fn to run once for each watched job that finishes.
// It runs on its own goroutine.
func (w *Watcher) OnFinish(fn func(domain.Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFinish = fn
}

// Watch returns the poller for jobID, starting one if none is running.
// A finished poller is kept so its final state stays readable until its
// slot is needed. It returns ErrWatchLimit when every slot holds a live poller.
func (w *Watcher) Watch(jobID string) (*JobPoller, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pollers[jobID]
	if ok && (p.loop.alive.Load() || p.State().Finished) {
		return p, nil
	}
	if !ok && len(w.pollers) >= w.maxJobs {
		w.pruneLocked()
		if len(w.pollers) >= w.maxJobs {
			w.log.WithFields(logrus.Fields{"job_id": jobID, "max_jobs": w.maxJobs}).Warn("Watch limit reached")
			return nil, ErrWatchLimit
		}
	}

	p = newJobPoller(w.api, jobID, w.interval, w.notFoundLimit, w.logger, w.finishNotifier())
	w.pollers[jobID] = p
	p.start(w.ctx)
	go w.dropWhenAbandoned(jobID, p)
	return p, nil
}

// pruneLocked removes pollers that are no longer running.
func (w *Watcher) pruneLocked() {
	for id, p := range w.pollers {
		if !p.loop.alive.Load() {
			delete(w.pollers, id)
		}
	}
}

// dropWhenAbandoned removes p once it stops without its job finishing.
func (w *Watcher) dropWhenAbandoned(jobID string, p *JobPoller) {
	<-p.Done()
	if p.State().Finished {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pollers[jobID] == p {
		delete(w.pollers, jobID)
	}
}

func (w *Watcher) finishNotifier() func(JobState) {
	fn := w.onFinish
	if fn == nil {
		return nil
	}
	var once sync.Once
	return func(st JobState) {
		if !st.Finished || st.Job == nil {
			return
		}
		job := *st.Job
		once.Do(func() { go fn(job) })
	}
}

// JobState starts watching jobID if needed and returns its state. For a
// new poller it waits for the first fetch, or until ctx is done.
func (w *Watcher) JobState(ctx context.Context, jobID string) (JobState, error) {
	p, err := w.Watch(jobID)
	if err != nil {
		return JobState{JobID: jobID}, err
	}
	select {
	case <-p.Ready():
	case <-p.Done():
	case <-ctx.Done():
	}
	return p.State(), nil
}

// Forget stops and removes the poller for jobID. It reports whether the
// job was being watched.
func (w *Watcher) Forget(jobID string) bool {
	w.mu.Lock()
	p, ok := w.pollers[jobID]
	delete(w.pollers, jobID)
	w.mu.Unlock()
	if ok {
		p.Stop()
	}
	return ok
}

// Close stops every poller.
func (w *Watcher) Close() {
	w.mu.Lock()
	pollers := w.pollers
	w.pollers = make(map[string]*JobPoller)
	w.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}
