package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/goliatone/go-cmmn/model"
)

// ReferenceTypeChildCase marks a case task instance whose ReferenceID is a child case.
const ReferenceTypeChildCase = "child-case"

// CallbackTypeCaseTask marks a child case started by a case task.
const CallbackTypeCaseTask = "case-task"

// behavior is what a plan item type does when it becomes ACTIVE and which
// transition an external trigger maps to.
type behavior struct {
	onStart func(c *cascade, item *PlanItemInstance, def *model.PlanItemDefinition) error
	trigger model.Transition
}

var behaviors = map[model.PlanItemType]behavior{
	model.TypeStage:              {onStart: (*cascade).startStage},
	model.TypePlanFragment:       {onStart: (*cascade).startStage},
	model.TypeHumanTask:          {trigger: model.TransitionComplete},
	model.TypeServiceTask:        {onStart: (*cascade).startServiceTask, trigger: model.TransitionComplete},
	model.TypeCaseTask:           {onStart: (*cascade).startCaseTask},
	model.TypeMilestone:          {onStart: (*cascade).startMilestone, trigger: model.TransitionOccur},
	model.TypeUserEventListener:  {trigger: model.TransitionOccur},
	model.TypeTimerEventListener: {onStart: (*cascade).startTimer, trigger: model.TransitionOccur},
}

func (c *cascade) started(item *PlanItemInstance) error {
	b, ok := behaviors[item.Type]
	if !ok || b.onStart == nil {
		return nil
	}
	def := c.definition(item)
	if def == nil {
		return notFound("plan item definition", item.DefinitionID)
	}
	return b.onStart(c, item, def)
}

// trigger maps an external trigger onto the type specific transition.
func (c *cascade) trigger(item *PlanItemInstance) error {
	b := behaviors[item.Type]
	if b.trigger == "" {
		return cloneRuntimeError(ErrIllegalTransition,
			fmt.Sprintf("plan items of type %s cannot be triggered", item.Type), nil, map[string]any{
				"plan_item_id": item.ID,
				"type":         string(item.Type),
			})
	}
	return c.apply(item, b.trigger)
}

// enter routes an AVAILABLE instance to ENABLED, ASYNC_ACTIVE or ACTIVE.
func (c *cascade) enter(item *PlanItemInstance) error {
	if item.State != StateAvailable {
		return nil
	}
	def := c.definition(item)
	if def == nil {
		return notFound("plan item definition", item.DefinitionID)
	}
	manual, err := c.manualActivation(item, def)
	if err != nil {
		return err
	}
	switch {
	case manual:
		return c.apply(item, model.TransitionEnable)
	case def.Async:
		return c.asyncActivate(item)
	default:
		return c.apply(item, model.TransitionStart)
	}
}

func (c *cascade) manualActivation(item *PlanItemInstance, def *model.PlanItemDefinition) (bool, error) {
	if def.ManualActivation {
		return true, nil
	}
	if strings.TrimSpace(def.ManualActivationRule) == "" {
		return false, nil
	}
	return c.evalBool(item, def.ManualActivationRule, "manual_activation_rule")
}

// asyncActivate hands the start of an instance to the job queue.
func (c *cascade) asyncActivate(item *PlanItemInstance) error {
	if err := c.apply(item, model.TransitionAsyncActivate); err != nil {
		return err
	}
	item.JobID = c.e.newID()
	item.RetriesLeft = c.e.cfg.AsyncRetries
	item.LastError = ""
	return c.appendOutbox(TopicJobEnqueue, Job{
		ID:                 item.JobID,
		Kind:               JobAsyncActivation,
		CaseInstanceID:     item.CaseInstanceID,
		PlanItemInstanceID: item.ID,
		DueAt:              c.now,
	})
}

func (c *cascade) startStage(stage *PlanItemInstance, def *model.PlanItemDefinition) error {
	for _, child := range def.Children {
		if _, err := c.createItem(child, stage, 0); err != nil {
			return err
		}
	}
	c.requestReevaluation()
	c.enqueue(operation{kind: opStageCheck, itemID: stage.ID})
	return nil
}

func (c *cascade) startServiceTask(item *PlanItemInstance, def *model.PlanItemDefinition) error {
	if err := c.runAction(item, def); err != nil {
		return err
	}
	return c.apply(item, model.TransitionComplete)
}

func (c *cascade) runAction(item *PlanItemInstance, def *model.PlanItemDefinition) error {
	action, ok := c.e.actions.Lookup(def.Action)
	if !ok {
		return cloneRuntimeError(ErrPreconditionFailed, "action not registered", nil, map[string]any{
			"action":       def.Action,
			"plan_item_id": item.ID,
		})
	}
	updates := make(map[string]any)
	actx := ActionContext{
		CaseInstanceID: item.CaseInstanceID,
		PlanItem:       *ClonePlanItem(item),
		Variables:      c.scope(item),
		Set: func(key string, value any) {
			updates[key] = value
		},
	}
	if err := action(c.ctx, actx); err != nil {
		return fmt.Errorf("action %s: %w", def.Action, err)
	}
	if len(updates) > 0 {
		c.setVariables(updates)
	}
	return nil
}

func (c *cascade) setVariables(vars map[string]any) {
	if c.kase.Variables == nil {
		c.kase.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		c.kase.Variables[k] = v
	}
	c.touchCase()
	c.requestReevaluation()
}

func (c *cascade) startCaseTask(item *PlanItemInstance, def *model.PlanItemDefinition) error {
	if item.ReferenceID == "" {
		item.ReferenceID = c.e.newID()
		item.ReferenceType = ReferenceTypeChildCase
		c.markDirty(item)
	}
	return c.appendOutbox(TopicChildCaseStart, childStartPayload{
		DefinitionRef:    def.CaseRef,
		ChildCaseID:      item.ReferenceID,
		ParentCaseID:     c.kase.ID,
		ParentPlanItemID: item.ID,
		TenantID:         c.kase.TenantID,
		Variables:        c.scope(item),
	})
}

func (c *cascade) startMilestone(item *PlanItemInstance, _ *model.PlanItemDefinition) error {
	return c.apply(item, model.TransitionOccur)
}

func (c *cascade) startTimer(item *PlanItemInstance, def *model.PlanItemDefinition) error {
	due, err := TimerDueAt(def.Timer, c.now)
	if err != nil {
		return cloneRuntimeError(ErrExpressionFailed, "invalid timer expression", err, map[string]any{
			"plan_item_id": item.ID,
			"timer":        def.Timer,
		})
	}
	item.JobID = c.e.newID()
	item.RetriesLeft = c.e.cfg.AsyncRetries
	c.markDirty(item)
	return c.appendOutbox(TopicJobEnqueue, Job{
		ID:                 item.JobID,
		Kind:               JobTimer,
		CaseInstanceID:     item.CaseInstanceID,
		PlanItemInstanceID: item.ID,
		DueAt:              due,
	})
}

// TimerDueAt resolves a timer expression against now. It accepts a Go duration
// ("90s", "1h"), an RFC3339 timestamp or a cron expression.
func TimerDueAt(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty timer expression")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative timer duration %s", expr)
		}
		return now.Add(d), nil
	}
	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		if at.Before(now) {
			return now, nil
		}
		return at.UTC(), nil
	}
	schedule, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timer %q: %w", expr, err)
	}
	next := schedule.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("timer %q never fires after %s", expr, now.Format(time.RFC3339))
	}
	return next, nil
}
