package engine

import (
	"github.com/goliatone/go-cmmn/model"
)

// PlanItemState is the lifecycle state of a plan item instance.
type PlanItemState string

const (
	StateUnavailable          PlanItemState = "UNAVAILABLE"
	StateAvailable            PlanItemState = "AVAILABLE"
	StateWaitingForRepetition PlanItemState = "WAITING_FOR_REPETITION"
	StateEnabled              PlanItemState = "ENABLED"
	StateDisabled             PlanItemState = "DISABLED"
	StateActive               PlanItemState = "ACTIVE"
	StateAsyncActive          PlanItemState = "ASYNC_ACTIVE"
	StateSuspended            PlanItemState = "SUSPENDED"
	StateCompleted            PlanItemState = "COMPLETED"
	StateTerminated           PlanItemState = "TERMINATED"
	StateFailed               PlanItemState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s PlanItemState) Terminal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateFailed
}

// Dormant reports whether the instance cannot progress without an external stimulus.
// Dormant required children do not block stage completability.
func (s PlanItemState) Dormant() bool {
	return s == StateDisabled || s == StateUnavailable || s == StateWaitingForRepetition
}

// Waiting reports whether entry criteria are evaluated for the state.
func (s PlanItemState) Waiting() bool {
	return s == StateUnavailable || s == StateWaitingForRepetition
}

// Running reports whether work is in progress.
func (s PlanItemState) Running() bool {
	return s == StateActive || s == StateAsyncActive || s == StateSuspended
}

// CaseState is the lifecycle state of a case instance.
type CaseState string

const (
	CaseActive     CaseState = "ACTIVE"
	CaseCompleted  CaseState = "COMPLETED"
	CaseTerminated CaseState = "TERMINATED"
	CaseFailed     CaseState = "FAILED"
	CaseSuspended  CaseState = "SUSPENDED"
	CaseClosed     CaseState = "CLOSED"
)

// Terminal reports whether the case has ended.
func (s CaseState) Terminal() bool {
	return s == CaseCompleted || s == CaseTerminated || s == CaseFailed || s == CaseClosed
}

// edge is one allowed (from, transition) -> to entry.
type edge struct {
	From       PlanItemState
	Transition model.Transition
	To         PlanItemState
}

var nonTerminalStates = []PlanItemState{
	StateUnavailable, StateAvailable, StateWaitingForRepetition, StateEnabled,
	StateDisabled, StateActive, StateAsyncActive, StateSuspended,
}

var transitionTable = buildTransitionTable()

func buildTransitionTable() map[PlanItemState]map[model.Transition]PlanItemState {
	edges := []edge{
		// availability
		{From: StateUnavailable, Transition: model.TransitionAvailable, To: StateAvailable},
		{From: StateWaitingForRepetition, Transition: model.TransitionAvailable, To: StateAvailable},
		{From: StateUnavailable, Transition: model.TransitionWaitRepetition, To: StateWaitingForRepetition},
		{From: StateAvailable, Transition: model.TransitionWaitRepetition, To: StateWaitingForRepetition},

		// manual activation
		{From: StateAvailable, Transition: model.TransitionEnable, To: StateEnabled},
		{From: StateDisabled, Transition: model.TransitionEnable, To: StateEnabled},
		{From: StateEnabled, Transition: model.TransitionDisable, To: StateDisabled},

		// activation
		{From: StateAvailable, Transition: model.TransitionStart, To: StateActive},
		{From: StateEnabled, Transition: model.TransitionStart, To: StateActive},
		{From: StateAsyncActive, Transition: model.TransitionStart, To: StateActive},
		{From: StateAvailable, Transition: model.TransitionAsyncActivate, To: StateAsyncActive},
		{From: StateEnabled, Transition: model.TransitionAsyncActivate, To: StateAsyncActive},

		// work
		{From: StateActive, Transition: model.TransitionComplete, To: StateCompleted},
		{From: StateActive, Transition: model.TransitionOccur, To: StateCompleted},
		{From: StateActive, Transition: model.TransitionFault, To: StateFailed},
		{From: StateAsyncActive, Transition: model.TransitionFault, To: StateFailed},
		{From: StateActive, Transition: model.TransitionSuspend, To: StateSuspended},
		{From: StateSuspended, Transition: model.TransitionResume, To: StateActive},
	}
	for _, from := range nonTerminalStates {
		edges = append(edges,
			edge{From: from, Transition: model.TransitionExit, To: StateTerminated},
			edge{From: from, Transition: model.TransitionTerminate, To: StateTerminated},
		)
	}

	table := make(map[PlanItemState]map[model.Transition]PlanItemState)
	for _, e := range edges {
		if table[e.From] == nil {
			table[e.From] = make(map[model.Transition]PlanItemState)
		}
		table[e.From][e.Transition] = e.To
	}
	return table
}

// NextState looks up the target of applying tr in state from.
func NextState(from PlanItemState, tr model.Transition) (PlanItemState, bool) {
	to, ok := transitionTable[from][tr]
	return to, ok
}

// AllowedTransitions lists the transitions accepted in state from.
func AllowedTransitions(from PlanItemState) []model.Transition {
	var out []model.Transition
	for _, tr := range model.AllTransitions() {
		if _, ok := transitionTable[from][tr]; ok {
			out = append(out, tr)
		}
	}
	return out
}

func allPlanItemStates() []PlanItemState {
	return append(append([]PlanItemState{}, nonTerminalStates...), StateCompleted, StateTerminated, StateFailed)
}
