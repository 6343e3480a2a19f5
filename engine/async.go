package engine

import (
	"context"
	"fmt"

	"github.com/goliatone/go-cmmn/model"
)

var _ JobHandler = (*Engine)(nil)

// OnJobFired runs the continuation of an async activation or a timer. Stale
// jobs (instance gone, ended or re-scheduled) are ignored. On failure the
// cascade is rolled back and one retry is consumed; once none are left the
// instance moves to FAILED and an exhausted error is returned so the queue
// stops retrying.
func (e *Engine) OnJobFired(ctx context.Context, job Job) error {
	command := "job." + string(job.Kind)
	_, err := e.onCase(ctx, command, job.CaseInstanceID, func(c *cascade) error {
		item := c.jobTarget(job)
		if item == nil {
			return nil
		}
		switch job.Kind {
		case JobAsyncActivation:
			if item.State != StateAsyncActive {
				return nil
			}
			item.JobID = ""
			return c.apply(item, model.TransitionStart)
		case JobTimer:
			if item.State != StateActive {
				return nil
			}
			item.JobID = ""
			return c.apply(item, model.TransitionOccur)
		}
		return fmt.Errorf("unknown job kind %q", job.Kind)
	})
	if err == nil || IsNotFound(err) {
		return nil
	}
	return e.recordJobFailure(ctx, job, err)
}

// OnJobExhausted moves the instance to FAILED when the queue gave up on a job.
func (e *Engine) OnJobExhausted(ctx context.Context, job Job) error {
	_, err := e.onCase(ctx, "job.exhausted", job.CaseInstanceID, func(c *cascade) error {
		item := c.jobTarget(job)
		if item == nil {
			return nil
		}
		return c.failJob(item, job, item.LastError)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (e *Engine) recordJobFailure(ctx context.Context, job Job, cause error) error {
	exhausted := false
	stale := false
	_, err := e.onCase(ctx, "job.failed", job.CaseInstanceID, func(c *cascade) error {
		item := c.jobTarget(job)
		if item == nil {
			stale = true
			return nil
		}
		item.RetriesLeft--
		item.LastError = cause.Error()
		c.markDirty(item)
		withFields(c.logger, map[string]any{FieldJobID: job.ID, FieldPlanItemID: item.ID}).
			Warn("job failed, retries left %d: %v", item.RetriesLeft, cause)
		if item.RetriesLeft > 0 {
			return nil
		}
		exhausted = true
		return c.failJob(item, job, cause.Error())
	})
	if err != nil {
		return fmt.Errorf("record job failure: %w (cause: %v)", err, cause)
	}
	if stale {
		return nil
	}
	if exhausted {
		return cloneRuntimeError(ErrJobExhausted, "", cause, map[string]any{
			"job_id":                job.ID,
			"case_instance_id":      job.CaseInstanceID,
			"plan_item_instance_id": job.PlanItemInstanceID,
		})
	}
	return cause
}

// jobTarget returns the non-terminal instance still owning the job.
func (c *cascade) jobTarget(job Job) *PlanItemInstance {
	item := c.items[job.PlanItemInstanceID]
	if item == nil || item.State.Terminal() || item.JobID != job.ID {
		c.logger.Debug("stale job %s for plan item %s", job.ID, job.PlanItemInstanceID)
		return nil
	}
	return item
}

func (c *cascade) failJob(item *PlanItemInstance, job Job, reason string) error {
	item.JobID = ""
	if err := c.apply(item, model.TransitionFault); err != nil {
		return err
	}
	evt := c.baseEvent(EventJobFailed)
	evt.SubScopeID = item.ID
	evt.PlanItemDefID = item.DefinitionID
	evt.PlanItemType = item.Type
	evt.State = string(item.State)
	evt.Metadata = map[string]any{
		"job_id":    job.ID,
		"job_kind":  string(job.Kind),
		"error":     reason,
		"retryable": false,
	}
	c.events = append(c.events, evt)
	return nil
}
