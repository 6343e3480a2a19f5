package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/model"
)

func TestTerminalStatesAcceptNoTransition(t *testing.T) {
	for _, state := range []PlanItemState{StateCompleted, StateTerminated, StateFailed} {
		assert.Empty(t, AllowedTransitions(state), state)
		for _, tr := range model.AllTransitions() {
			_, ok := NextState(state, tr)
			assert.False(t, ok, "%s + %s", state, tr)
		}
	}
}

func TestEveryNonTerminalStateCanBeTerminated(t *testing.T) {
	for _, state := range allPlanItemStates() {
		if state.Terminal() {
			continue
		}
		for _, tr := range []model.Transition{model.TransitionExit, model.TransitionTerminate} {
			to, ok := NextState(state, tr)
			require.True(t, ok, "%s + %s", state, tr)
			assert.Equal(t, StateTerminated, to)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from PlanItemState
		tr   model.Transition
		to   PlanItemState
		ok   bool
	}{
		{StateUnavailable, model.TransitionAvailable, StateAvailable, true},
		{StateWaitingForRepetition, model.TransitionAvailable, StateAvailable, true},
		{StateUnavailable, model.TransitionWaitRepetition, StateWaitingForRepetition, true},
		{StateAvailable, model.TransitionEnable, StateEnabled, true},
		{StateEnabled, model.TransitionDisable, StateDisabled, true},
		{StateDisabled, model.TransitionEnable, StateEnabled, true},
		{StateEnabled, model.TransitionStart, StateActive, true},
		{StateAvailable, model.TransitionAsyncActivate, StateAsyncActive, true},
		{StateAsyncActive, model.TransitionStart, StateActive, true},
		{StateActive, model.TransitionComplete, StateCompleted, true},
		{StateActive, model.TransitionOccur, StateCompleted, true},
		{StateAsyncActive, model.TransitionFault, StateFailed, true},
		{StateActive, model.TransitionSuspend, StateSuspended, true},
		{StateSuspended, model.TransitionResume, StateActive, true},

		{StateUnavailable, model.TransitionStart, "", false},
		{StateActive, model.TransitionDisable, "", false},
		{StateDisabled, model.TransitionStart, "", false},
		{StateSuspended, model.TransitionComplete, "", false},
		{StateAsyncActive, model.TransitionComplete, "", false},
		{StateEnabled, model.TransitionComplete, "", false},
		{StateActive, model.TransitionCreate, "", false},
	}
	for _, tc := range cases {
		to, ok := NextState(tc.from, tc.tr)
		assert.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.tr)
		assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.tr)
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateUnavailable.Waiting())
	assert.True(t, StateWaitingForRepetition.Waiting())
	assert.False(t, StateAvailable.Waiting())

	assert.True(t, StateDisabled.Dormant())
	assert.False(t, StateEnabled.Dormant())

	assert.True(t, StateSuspended.Running())
	assert.False(t, StateCompleted.Running())

	assert.True(t, CaseClosed.Terminal())
	assert.False(t, CaseSuspended.Terminal())
}
