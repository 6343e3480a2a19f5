package engine

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-cmmn/model"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCaseStarted  EventType = "CASE_STARTED"
	EventCaseEnded    EventType = "CASE_ENDED"
	EventStageStarted EventType = "STAGE_STARTED"
	EventStageEnded   EventType = "STAGE_ENDED"

	EventPlanItemCreated EventType = "PLAN_ITEM_CREATED"
	// EventJobFailed is emitted when an async job exhausts its retries.
	EventJobFailed EventType = "JOB_FAILED"
)

// PlanItemEventType returns the PLAN_ITEM_<STATE> event for a target state.
func PlanItemEventType(state PlanItemState) EventType {
	return EventType("PLAN_ITEM_" + string(state))
}

// Event is emitted for every case and plan item lifecycle change.
type Event struct {
	Type              EventType
	ScopeType         string
	ScopeID           string
	SubScopeID        string
	ScopeDefinitionID string
	PlanItemDefID     string
	PlanItemType      model.PlanItemType
	Transition        model.Transition
	PreviousState     string
	State             string
	EndingState       string
	CascadeID         string
	OccurredAt        time.Time
	Metadata          map[string]any
}

// HookFailureMode controls listener error behavior.
//
// fail_open listeners run after commit and errors are logged.
// fail_closed listeners run before commit and an error rolls the cascade back.
type HookFailureMode string

const (
	HookFailureModeFailOpen   HookFailureMode = "fail_open"
	HookFailureModeFailClosed HookFailureMode = "fail_closed"
)

func normalizeHookFailureMode(mode HookFailureMode) HookFailureMode {
	switch HookFailureMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case HookFailureModeFailClosed:
		return HookFailureModeFailClosed
	default:
		return HookFailureModeFailOpen
	}
}

func isValidHookFailureMode(mode HookFailureMode) bool {
	switch HookFailureMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case "", HookFailureModeFailOpen, HookFailureModeFailClosed:
		return true
	default:
		return false
	}
}

// Listener receives lifecycle events.
type Listener interface {
	OnEvent(ctx context.Context, evt Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event) error

func (f ListenerFunc) OnEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Listeners fans out events in registration order.
type Listeners []Listener

func (ls Listeners) dispatch(ctx context.Context, events []Event, mode HookFailureMode, logger Logger) error {
	if len(ls) == 0 || len(events) == 0 {
		return nil
	}
	mode = normalizeHookFailureMode(mode)
	logger = normalizeLogger(logger).WithContext(ctx)
	for _, evt := range events {
		for idx, l := range ls {
			if l == nil {
				continue
			}
			if err := l.OnEvent(ctx, cloneEvent(evt)); err != nil {
				fields := map[string]any{
					FieldEvent:          string(evt.Type),
					FieldCaseInstanceID: evt.ScopeID,
					FieldPlanItemID:     evt.SubScopeID,
					FieldCascadeID:      evt.CascadeID,
				}
				if mode == HookFailureModeFailClosed {
					return cloneRuntimeError(ErrPreconditionFailed, "event listener failed", err, fields)
				}
				withFields(logger, fields).Warn("event listener failed at index=%d: %v", idx, err)
			}
		}
	}
	return nil
}

func cloneEvent(evt Event) Event {
	evt.Metadata = copyMap(evt.Metadata)
	return evt
}
