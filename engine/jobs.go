package engine

import (
	"context"
	"time"
)

// JobKind tells the engine what a fired job should do.
type JobKind string

const (
	JobAsyncActivation JobKind = "async-activation"
	JobTimer           JobKind = "timer"
)

// Job is the opaque handle passed to the job queue.
type Job struct {
	ID                 string    `json:"id"`
	Kind               JobKind   `json:"kind"`
	CaseInstanceID     string    `json:"case_instance_id"`
	PlanItemInstanceID string    `json:"plan_item_instance_id"`
	DueAt              time.Time `json:"due_at"`
	// Attempt counts failed runs so far. Set by the queue.
	Attempt int `json:"attempt,omitempty"`
}

// JobQueue schedules jobs and calls back into the engine when they fire.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	Cancel(ctx context.Context, jobID string) error
}

// JobHandler is implemented by the engine and called by job queues.
type JobHandler interface {
	OnJobFired(ctx context.Context, job Job) error
	OnJobExhausted(ctx context.Context, job Job) error
}

// MetricsRecorder receives per-command timings and outcomes.
type MetricsRecorder interface {
	RecordDuration(name string, duration time.Duration)
	RecordError(name string)
	RecordSuccess(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDuration(string, time.Duration) {}
func (noopMetrics) RecordError(string)                   {}
func (noopMetrics) RecordSuccess(string)                 {}
