// Package jobs is an in-process engine.JobQueue. Jobs run on timers at their
// due time; failed attempts are retried with backoff. Cron-scheduled sweeps
// drain the engine outbox.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/runner"
)

// OutboxDispatcher is the part of the engine a sweep drives.
type OutboxDispatcher interface {
	DispatchOutbox(ctx context.Context) (int, error)
}

// Scheduler implements engine.JobQueue.
type Scheduler struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	handler engine.JobHandler
	jobs    map[string]*Handle
	stopped bool

	location     *time.Location
	parser       Parser
	logger       engine.Logger
	errorHandler func(error)
	retry        runner.RetryStrategy
	maxAttempts  int
	jobTimeout   time.Duration

	wg sync.WaitGroup
}

var _ engine.JobQueue = (*Scheduler)(nil)

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:       make(map[string]*Handle),
		location:   time.Local,
		logger:     engine.NopLogger(),
		retry:      runner.ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute},
		jobTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) { s.logger.Error("job scheduler: %v", err) }
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// Bind sets the handler fired jobs are delivered to. It must be called
// before jobs come due; the engine is usually built with this scheduler as
// its queue, so binding happens after construction.
func (s *Scheduler) Bind(handler engine.JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Enqueue schedules job at its due time. Re-enqueueing a live job id is a no-op.
func (s *Scheduler) Enqueue(_ context.Context, job engine.Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("job scheduler stopped")
	}
	if existing, ok := s.jobs[job.ID]; ok && !isTerminal(existing.Status()) {
		return nil
	}
	h := newHandle(job)
	s.jobs[job.ID] = h
	s.arm(h, time.Until(job.DueAt))
	s.logger.Debug("job %s (%s) scheduled for case %s", job.ID, job.Kind, job.CaseInstanceID)
	return nil
}

// Cancel stops a pending job. Unknown ids are ignored.
func (s *Scheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	h, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()
	if ok {
		h.setTerminal(StatusCanceled, nil)
	}
	return nil
}

// Handle returns the tracking handle for a live job.
func (s *Scheduler) Handle(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.jobs[jobID]
	return h, ok
}

// Pending lists live jobs ordered by due time.
func (s *Scheduler) Pending() []engine.Job {
	s.mu.Lock()
	out := make([]engine.Job, 0, len(s.jobs))
	for _, h := range s.jobs {
		if !isTerminal(h.Status()) {
			out = append(out, h.Job())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SweepOutbox runs dispatcher.DispatchOutbox on a cron schedule, e.g. "@every 5s".
func (s *Scheduler) SweepOutbox(spec string, dispatcher OutboxDispatcher) (rcron.EntryID, error) {
	if spec == "" {
		return 0, errors.New("sweep expression cannot be empty")
	}
	if dispatcher == nil {
		return 0, errors.New("outbox dispatcher required")
	}
	h := runner.NewHandler("outbox sweep",
		runner.WithTimeout(s.jobTimeout),
		runner.WithLogger(s.logger),
		runner.WithErrorHandler(s.errorHandler),
	)
	id, err := s.cron.AddFunc(spec, func() {
		_ = h.Run(context.Background(), func(ctx context.Context) error {
			n, err := dispatcher.DispatchOutbox(ctx)
			if n > 0 {
				s.logger.Debug("outbox sweep delivered %d entries", n)
			}
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add sweep: %w", err)
	}
	return id, nil
}

// RemoveSweep removes a sweep added by SweepOutbox.
func (s *Scheduler) RemoveSweep(id rcron.EntryID) {
	s.cron.Remove(id)
}

// Start begins executing sweeps. Job timers run regardless.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts sweeps, cancels pending timers and waits for running attempts.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()

	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.jobs))
	for _, h := range s.jobs {
		handles = append(handles, h)
	}
	s.jobs = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range handles {
		h.setTerminal(StatusStopped, nil)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(waited)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm starts the timer for h. Callers hold s.mu.
func (s *Scheduler) arm(h *Handle, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	h.mu.Lock()
	h.timer = time.AfterFunc(delay, func() { s.fire(h) })
	h.mu.Unlock()
}

func (s *Scheduler) fire(h *Handle) {
	s.mu.Lock()
	handler := s.handler
	if s.stopped || s.jobs[h.Job().ID] != h {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !h.setStatus(StatusRunning, nil) {
		return
	}
	job := h.Job()
	if handler == nil {
		s.finish(h, StatusFailed, errors.New("job scheduler has no handler bound"))
		return
	}

	attempt := runner.NewHandler("job "+job.ID, runner.WithTimeout(s.jobTimeout), runner.WithLogger(s.logger))
	err := attempt.Run(context.Background(), func(ctx context.Context) error {
		return handler.OnJobFired(ctx, job)
	})
	if err == nil {
		s.finish(h, StatusCompleted, nil)
		return
	}
	if engine.IsJobExhausted(err) {
		err = runner.Permanent(err)
	}

	job.Attempt++
	decision := runner.DecideRetry(s.retry, job.Attempt-1, err)
	if decision.ShouldRetry && (s.maxAttempts == 0 || job.Attempt < s.maxAttempts) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || s.jobs[job.ID] != h || !h.setStatus(StatusRetrying, err) {
			return
		}
		h.mu.Lock()
		h.job = job
		h.mu.Unlock()
		s.logger.Warn("job %s attempt %d failed, retry in %s: %v", job.ID, job.Attempt, decision.Delay, err)
		s.arm(h, decision.Delay)
		return
	}

	if !runner.IsPermanent(err) {
		if xerr := handler.OnJobExhausted(context.Background(), job); xerr != nil {
			s.errorHandler(fmt.Errorf("job %s exhausted: %w", job.ID, xerr))
		}
	}
	s.errorHandler(fmt.Errorf("job %s failed after %d attempts: %w", job.ID, job.Attempt, err))
	s.finish(h, StatusFailed, err)
}

func (s *Scheduler) finish(h *Handle, status Status, err error) {
	s.mu.Lock()
	if s.jobs[h.Job().ID] == h {
		delete(s.jobs, h.Job().ID)
	}
	s.mu.Unlock()
	h.setTerminal(status, err)
}

// build converts options to robfig/cron options.
func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{rcron.WithLocation(s.location)}
	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}
	opts = append(opts,
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(&loggerAdapter{logger: s.logger}),
		),
		rcron.WithLogger(&loggerAdapter{logger: s.logger}),
	)
	return opts
}
