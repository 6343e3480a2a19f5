package model

import "strings"

// PlanItemType is the closed set of plan item kinds the engine knows how to drive.
type PlanItemType string

const (
	TypeStage              PlanItemType = "stage"
	TypePlanFragment       PlanItemType = "plan-fragment"
	TypeHumanTask          PlanItemType = "human-task"
	TypeServiceTask        PlanItemType = "service-task"
	TypeCaseTask           PlanItemType = "case-task"
	TypeMilestone          PlanItemType = "milestone"
	TypeUserEventListener  PlanItemType = "user-event-listener"
	TypeTimerEventListener PlanItemType = "timer-event-listener"
)

// Valid reports whether the type is one of the known plan item kinds.
func (t PlanItemType) Valid() bool {
	switch t {
	case TypeStage, TypePlanFragment, TypeHumanTask, TypeServiceTask, TypeCaseTask,
		TypeMilestone, TypeUserEventListener, TypeTimerEventListener:
		return true
	default:
		return false
	}
}

// IsContainer reports whether instances of this type own child plan items.
func (t PlanItemType) IsContainer() bool {
	return t == TypeStage || t == TypePlanFragment
}

// IsTask reports whether the type represents a unit of work.
func (t PlanItemType) IsTask() bool {
	return t == TypeHumanTask || t == TypeServiceTask || t == TypeCaseTask
}

// Transition names a lifecycle transition. OnParts reference these names.
type Transition string

const (
	TransitionCreate         Transition = "create"
	TransitionAvailable      Transition = "available"
	TransitionWaitRepetition Transition = "waitRepetition"
	TransitionEnable         Transition = "enable"
	TransitionDisable        Transition = "disable"
	TransitionStart          Transition = "start"
	TransitionAsyncActivate  Transition = "asyncActivate"
	TransitionComplete       Transition = "complete"
	TransitionOccur          Transition = "occur"
	TransitionFault          Transition = "fault"
	TransitionSuspend        Transition = "suspend"
	TransitionResume         Transition = "resume"
	TransitionExit           Transition = "exit"
	TransitionTerminate      Transition = "terminate"
)

var transitionAliases = map[string]Transition{
	"active":          TransitionStart,
	"activate":        TransitionStart,
	"manualstart":     TransitionStart,
	"completed":       TransitionComplete,
	"terminated":      TransitionTerminate,
	"exited":          TransitionExit,
	"occurred":        TransitionOccur,
	"disabled":        TransitionDisable,
	"enabled":         TransitionEnable,
	"reenable":        TransitionEnable,
	"makeavailable":   TransitionAvailable,
	"waitrepetition":  TransitionWaitRepetition,
	"asyncactivate":   TransitionAsyncActivate,
	"fail":            TransitionFault,
	"failed":          TransitionFault,
	"parentterminate": TransitionTerminate,
}

// NormalizeTransition maps user supplied event names onto canonical transitions.
func NormalizeTransition(raw string) Transition {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	if alias, ok := transitionAliases[key]; ok {
		return alias
	}
	for _, tr := range AllTransitions() {
		if strings.EqualFold(string(tr), key) {
			return tr
		}
	}
	return Transition(key)
}

// AllTransitions lists every canonical transition.
func AllTransitions() []Transition {
	return []Transition{
		TransitionCreate, TransitionAvailable, TransitionWaitRepetition, TransitionEnable,
		TransitionDisable, TransitionStart, TransitionAsyncActivate, TransitionComplete,
		TransitionOccur, TransitionFault, TransitionSuspend, TransitionResume,
		TransitionExit, TransitionTerminate,
	}
}

// IsKnownTransition reports whether tr is canonical.
func IsKnownTransition(tr Transition) bool {
	for _, known := range AllTransitions() {
		if known == tr {
			return true
		}
	}
	return false
}
