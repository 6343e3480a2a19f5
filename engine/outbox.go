package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goliatone/go-cmmn/model"
	"github.com/goliatone/go-cmmn/runner"
)

// Outbox topics written by cascades.
const (
	TopicJobEnqueue         = "job.enqueue"
	TopicJobCancel          = "job.cancel"
	TopicChildCaseStart     = "case.child.start"
	TopicChildCaseEnded     = "case.child.ended"
	TopicChildCaseTerminate = "case.child.terminate"
)

type jobCancelPayload struct {
	JobID string `json:"job_id"`
}

type childStartPayload struct {
	DefinitionRef    string         `json:"definition_ref"`
	ChildCaseID      string         `json:"child_case_id"`
	ParentCaseID     string         `json:"parent_case_id"`
	ParentPlanItemID string         `json:"parent_plan_item_id"`
	TenantID         string         `json:"tenant_id,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
}

type childEndedPayload struct {
	ChildCaseID      string         `json:"child_case_id"`
	ParentCaseID     string         `json:"parent_case_id"`
	ParentPlanItemID string         `json:"parent_plan_item_id"`
	EndingState      CaseState      `json:"ending_state"`
	Variables        map[string]any `json:"variables,omitempty"`
}

type childTerminatePayload struct {
	ChildCaseID string `json:"child_case_id"`
}

// DispatchOutbox claims one batch of due outbox entries and delivers them.
// Failed entries are released with a backoff delay. It returns the number of
// entries delivered.
func (e *Engine) DispatchOutbox(ctx context.Context) (int, error) {
	now := e.now().UTC()
	entries, err := e.store.ClaimOutbox(ctx, e.workerID, e.cfg.OutboxBatchSize, now, now.Add(e.cfg.OutboxLease))
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	backoff := e.outboxBackoff()
	delivered := 0
	for _, entry := range entries {
		logger := withFields(e.logger.WithContext(ctx), map[string]any{
			FieldOutboxID:       entry.ID,
			FieldTopic:          entry.Topic,
			FieldCaseInstanceID: entry.CaseInstanceID,
			FieldAttempt:        entry.Attempts,
		})
		derr := e.deliver(ctx, entry)
		if derr != nil && runner.IsPermanent(derr) {
			logger.Error("outbox entry dropped: %v", derr)
			e.metrics.RecordError("outbox." + entry.Topic)
			derr = nil
		}
		if derr != nil {
			retryAt := now.Add(backoff.SleepDuration(entry.Attempts-1, derr))
			logger.Warn("outbox delivery failed, retry at %s: %v", retryAt.Format("15:04:05.000"), derr)
			e.metrics.RecordError("outbox." + entry.Topic)
			if merr := e.store.MarkOutboxFailed(ctx, entry.ID, retryAt, derr.Error()); merr != nil {
				return delivered, fmt.Errorf("mark outbox entry %s failed: %w", entry.ID, merr)
			}
			continue
		}
		if merr := e.store.MarkOutboxCompleted(ctx, entry.ID); merr != nil {
			return delivered, fmt.Errorf("mark outbox entry %s completed: %w", entry.ID, merr)
		}
		e.metrics.RecordSuccess("outbox." + entry.Topic)
		delivered++
	}
	return delivered, nil
}

func (e *Engine) outboxBackoff() runner.RetryStrategy {
	return runner.ExponentialBackoffStrategy{
		Base:   e.cfg.OutboxRetryDelay,
		Factor: 2,
		Max:    e.cfg.OutboxMaxRetryDelay,
	}
}

func (e *Engine) deliver(ctx context.Context, entry OutboxEntry) error {
	switch entry.Topic {
	case TopicJobEnqueue:
		var job Job
		if err := json.Unmarshal(entry.Payload, &job); err != nil {
			return runner.Permanent(fmt.Errorf("decode job: %w", err))
		}
		if e.jobs == nil {
			e.logger.Warn("no job queue configured, dropping job %s for plan item %s", job.ID, job.PlanItemInstanceID)
			return nil
		}
		return e.jobs.Enqueue(ctx, job)

	case TopicJobCancel:
		var p jobCancelPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return runner.Permanent(fmt.Errorf("decode job cancel: %w", err))
		}
		if e.jobs == nil {
			return nil
		}
		return e.jobs.Cancel(ctx, p.JobID)

	case TopicChildCaseStart:
		var p childStartPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return runner.Permanent(fmt.Errorf("decode child case start: %w", err))
		}
		return e.startChildCase(ctx, p)

	case TopicChildCaseEnded:
		var p childEndedPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return runner.Permanent(fmt.Errorf("decode child case ended: %w", err))
		}
		return e.onChildCaseEnded(ctx, p)

	case TopicChildCaseTerminate:
		var p childTerminatePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return runner.Permanent(fmt.Errorf("decode child case terminate: %w", err))
		}
		err := e.TerminateCase(ctx, p.ChildCaseID)
		if err != nil && (IsIllegalTransition(err) || IsNotFound(err)) {
			return nil
		}
		return err
	}
	e.logger.Warn("unknown outbox topic %s, entry %s dropped", entry.Topic, entry.ID)
	return nil
}

func (e *Engine) startChildCase(ctx context.Context, p childStartPayload) error {
	existing, err := e.store.LoadCase(ctx, p.ChildCaseID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = e.StartCase(ctx, StartCaseRequest{
		DefinitionRef:    p.DefinitionRef,
		CaseInstanceID:   p.ChildCaseID,
		Variables:        p.Variables,
		TenantID:         p.TenantID,
		ParentCaseID:     p.ParentCaseID,
		ParentPlanItemID: p.ParentPlanItemID,
		CallbackID:       p.ParentPlanItemID,
		CallbackType:     CallbackTypeCaseTask,
	})
	return err
}

// onChildCaseEnded completes or terminates the case task waiting on the child.
func (e *Engine) onChildCaseEnded(ctx context.Context, p childEndedPayload) error {
	_, err := e.onCase(ctx, "child_case_ended", p.ParentCaseID, func(c *cascade) error {
		item := c.items[p.ParentPlanItemID]
		if item == nil || item.State != StateActive || item.ReferenceID != p.ChildCaseID {
			c.logger.Debug("ignoring end of child case %s", p.ChildCaseID)
			return nil
		}
		c.childEnded[item.ID] = true
		if p.EndingState == CaseCompleted {
			return c.apply(item, model.TransitionComplete)
		}
		return c.apply(item, model.TransitionTerminate)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}
