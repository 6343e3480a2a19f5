package jobs

import (
	"sync"
	"time"

	"github.com/goliatone/go-cmmn/engine"
)

// Status reports where a scheduled job is in its lifecycle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func isTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Handle tracks one enqueued job.
type Handle struct {
	mu     sync.RWMutex
	job    engine.Job
	timer  *time.Timer
	status Status
	err    error
	done   chan struct{}
	once   sync.Once
}

func newHandle(job engine.Job) *Handle {
	return &Handle{job: job, status: StatusScheduled, done: make(chan struct{})}
}

func (h *Handle) Job() engine.Job {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.job
}

func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the last attempt error.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Done is closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setStatus(status Status, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminal(h.status) {
		return false
	}
	h.status = status
	h.err = err
	return true
}

func (h *Handle) setTerminal(status Status, err error) {
	if !h.setStatus(status, err) {
		return
	}
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}
