package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/model"
)

func TestSentryPartsAreRecordedOnce(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("parts")
	p := b.Plan()
	p.UserEvent("ping").Repeat("").RepeatMax(3)
	p.HumanTask("Z")
	p.HumanTask("X").Entry("both")
	b.Sentry("both").On("ping", model.TransitionOccur).On("Z", model.TransitionComplete)
	h.deploy(b)

	kase := h.start("parts", nil)
	h.trigger(kase.ID, "ping")
	assert.Equal(t, 1, h.sentryParts(kase.ID))
	h.trigger(kase.ID, "ping")
	assert.Equal(t, 1, h.sentryParts(kase.ID))
	assert.Equal(t, StateUnavailable, h.state(kase.ID, "X"))
	assert.Len(t, h.instances(kase.ID, "ping"), 3)

	h.trigger(kase.ID, "Z")
	assert.Equal(t, StateActive, h.state(kase.ID, "X"))
	assert.Zero(t, h.sentryParts(kase.ID))
}

func TestOnPartWithFalseIfPartWaitsForVariables(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("guard")
	p := b.Plan()
	p.HumanTask("Y")
	p.HumanTask("hold")
	p.HumanTask("X").Entry("s")
	b.Sentry("s").On("Y", model.TransitionComplete).If("go")
	h.deploy(b)

	kase := h.start("guard", map[string]any{"go": false})
	h.trigger(kase.ID, "Y")
	assert.Equal(t, StateUnavailable, h.state(kase.ID, "X"))
	assert.Equal(t, 1, h.sentryParts(kase.ID))

	require.NoError(t, h.engine.SetVariables(h.ctx, kase.ID, map[string]any{"go": true}))
	assert.Equal(t, StateActive, h.state(kase.ID, "X"))
	assert.Zero(t, h.sentryParts(kase.ID))
}

func TestExitCriterionTerminatesSubtree(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("exit")
	p := b.Plan()
	p.UserEvent("cancel")
	s := p.Stage("S").Exit("onCancel")
	s.HumanTask("a").Required()
	s.HumanTask("b")
	p.HumanTask("keep")
	b.Sentry("onCancel").On("cancel", model.TransitionOccur)
	h.deploy(b)

	kase := h.start("exit", nil)
	h.trigger(kase.ID, "cancel")

	assert.Equal(t, StateTerminated, h.state(kase.ID, "a"))
	assert.Equal(t, StateTerminated, h.state(kase.ID, "b"))
	assert.Equal(t, StateTerminated, h.state(kase.ID, "S"))
	assert.Equal(t, StateActive, h.state(kase.ID, "keep"))

	stageEvents := h.events.of("S")
	var exit *Event
	for i := range stageEvents {
		if stageEvents[i].Type == PlanItemEventType(StateTerminated) {
			exit = &stageEvents[i]
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, model.TransitionExit, exit.Transition)
	for _, evt := range h.events.of("a") {
		if evt.Type == PlanItemEventType(StateTerminated) {
			assert.Equal(t, model.TransitionTerminate, evt.Transition)
		}
	}
}

func TestExitCriterionOnUnavailableItem(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("skip")
	p := b.Plan()
	p.HumanTask("first")
	p.HumanTask("never").Entry("later").Exit("skip")
	p.UserEvent("abort")
	b.Sentry("later").On("first", model.TransitionComplete)
	b.Sentry("skip").On("abort", model.TransitionOccur)
	h.deploy(b)

	kase := h.start("skip", nil)
	h.trigger(kase.ID, "abort")
	assert.Equal(t, StateTerminated, h.state(kase.ID, "never"))

	h.trigger(kase.ID, "first")
	assert.Equal(t, StateTerminated, h.state(kase.ID, "never"))
	assert.Equal(t, CaseCompleted, h.kase(kase.ID).State)
}

func TestRepetitionWithoutEntryCriteria(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("loop")
	b.Plan().HumanTask("R").Repeat("").RepeatMax(2)
	h.deploy(b)

	kase := h.start("loop", nil)
	h.trigger(kase.ID, "R")

	all := h.instances(kase.ID, "R")
	require.Len(t, all, 2)
	assert.Equal(t, StateCompleted, all[0].State)
	assert.Equal(t, StateActive, all[1].State)
	assert.Equal(t, 1, all[1].Iteration)
	assert.Greater(t, all[1].Seq, all[0].Seq)

	h.trigger(kase.ID, "R")
	assert.Len(t, h.instances(kase.ID, "R"), 2)
	assert.Equal(t, CaseCompleted, h.kase(kase.ID).State)
}

func TestRepetitionWithEntryCriteriaWaits(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("rounds")
	p := b.Plan()
	p.UserEvent("E").Repeat("").RepeatMax(5)
	p.HumanTask("R").Entry("onE").Repeat("again")
	b.Sentry("onE").On("E", model.TransitionOccur)
	h.deploy(b)

	kase := h.start("rounds", map[string]any{"again": true})
	assert.Equal(t, StateWaitingForRepetition, h.state(kase.ID, "R"))

	h.trigger(kase.ID, "E")
	rounds := h.instances(kase.ID, "R")
	require.Len(t, rounds, 2)
	assert.Equal(t, StateActive, rounds[0].State)
	assert.Equal(t, StateWaitingForRepetition, rounds[1].State)
	assert.Equal(t, 1, rounds[1].Iteration)

	require.NoError(t, h.engine.TriggerPlanItem(h.ctx, rounds[0].ID))
	rounds = h.instances(kase.ID, "R")
	require.Len(t, rounds, 2)
	assert.Equal(t, StateCompleted, rounds[0].State)
	assert.Equal(t, StateWaitingForRepetition, rounds[1].State)

	require.NoError(t, h.engine.SetVariables(h.ctx, kase.ID, map[string]any{"again": false}))
	h.trigger(kase.ID, "E")
	rounds = h.instances(kase.ID, "R")
	require.Len(t, rounds, 2)
	assert.Equal(t, StateActive, rounds[1].State)

	h.trigger(kase.ID, "R")
	assert.Len(t, h.instances(kase.ID, "R"), 2)
}

func TestRepeatedSentryFiringsWhileInstanceActive(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("bursts")
	p := b.Plan()
	p.UserEvent("E").Repeat("").RepeatMax(5)
	p.HumanTask("R").Entry("onE").Repeat("again").RepeatMax(3)
	b.Sentry("onE").On("E", model.TransitionOccur)
	h.deploy(b)

	kase := h.start("bursts", map[string]any{"again": true})
	h.trigger(kase.ID, "E")
	h.trigger(kase.ID, "E")

	rounds := h.instances(kase.ID, "R")
	require.Len(t, rounds, 3)
	assert.Equal(t, StateActive, rounds[0].State)
	assert.Equal(t, StateActive, rounds[1].State)
	assert.Equal(t, StateWaitingForRepetition, rounds[2].State)
	assert.Equal(t, []int{0, 1, 2}, []int{rounds[0].Iteration, rounds[1].Iteration, rounds[2].Iteration})

	// the instance cap is reached, so the last firing spawns nothing
	h.trigger(kase.ID, "E")
	rounds = h.instances(kase.ID, "R")
	require.Len(t, rounds, 3)
	assert.Equal(t, StateActive, rounds[2].State)

	for _, r := range rounds {
		require.NoError(t, h.engine.TriggerPlanItem(h.ctx, r.ID))
	}
	assert.Len(t, h.instances(kase.ID, "R"), 3)
}

func TestRepetitionRuleFalseStopsLoop(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("cond")
	p := b.Plan()
	p.HumanTask("R").Repeat("more")
	p.HumanTask("hold")
	h.deploy(b)

	kase := h.start("cond", map[string]any{"more": true})
	h.trigger(kase.ID, "R")
	assert.Len(t, h.instances(kase.ID, "R"), 2)

	require.NoError(t, h.engine.SetVariables(h.ctx, kase.ID, map[string]any{"more": false}))
	h.trigger(kase.ID, "R")
	assert.Len(t, h.instances(kase.ID, "R"), 2)
}

func TestMilestoneOccursOnActivation(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("milestones")
	p := b.Plan()
	p.HumanTask("work")
	p.Milestone("done").Entry("worked")
	b.Sentry("worked").On("work", model.TransitionComplete)
	h.deploy(b)

	kase := h.start("milestones", nil)
	assert.Equal(t, StateUnavailable, h.state(kase.ID, "done"))
	h.trigger(kase.ID, "work")
	assert.Equal(t, StateCompleted, h.state(kase.ID, "done"))
	assert.Contains(t, h.events.types("done"), PlanItemEventType(StateCompleted))
	assert.Equal(t, CaseCompleted, h.kase(kase.ID).State)
}

func TestTimerListenerFiresThroughJobQueue(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("timed")
	p := b.Plan()
	p.Timer("wait", "1h")
	p.HumanTask("remind").Entry("elapsed")
	b.Sentry("elapsed").On("wait", model.TransitionOccur)
	h.deploy(b)

	kase := h.start("timed", nil)
	timer := h.item(kase.ID, "wait")
	assert.Equal(t, StateActive, timer.State)

	jobs := h.queue.jobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, JobTimer, job.Kind)
	assert.Equal(t, timer.ID, job.PlanItemInstanceID)
	require.NotNil(t, timer.StartedAt)
	assert.Equal(t, time.Hour, job.DueAt.Sub(*timer.StartedAt))

	require.NoError(t, h.engine.OnJobFired(h.ctx, job))
	assert.Equal(t, StateCompleted, h.state(kase.ID, "wait"))
	assert.Equal(t, StateActive, h.state(kase.ID, "remind"))

	// a late duplicate is ignored
	require.NoError(t, h.engine.OnJobFired(h.ctx, job))
	assert.Empty(t, h.queue.cancels())
}

func TestTimerTriggeredManuallyCancelsJob(t *testing.T) {
	h := newHarness(t)
	b := model.NewCase("skip-timer")
	p := b.Plan()
	p.Timer("wait", "0 0 * * * * *")
	p.HumanTask("hold")
	h.deploy(b)

	kase := h.start("skip-timer", nil)
	jobs := h.queue.jobs()
	require.Len(t, jobs, 1)

	h.trigger(kase.ID, "wait")
	assert.Equal(t, StateCompleted, h.state(kase.ID, "wait"))
	assert.Equal(t, []string{jobs[0].ID}, h.queue.cancels())
}

func TestAsyncServiceTaskCompletesWhenJobFires(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Actions().Register("charge", func(_ context.Context, actx ActionContext) error {
		actx.Set("charged", actx.Variables["amount"])
		return nil
	}))
	b := model.NewCase("billing")
	b.Plan().ServiceTask("pay", "charge").Async().Required()
	h.deploy(b)

	kase := h.start("billing", map[string]any{"amount": 10})
	pay := h.item(kase.ID, "pay")
	assert.Equal(t, StateAsyncActive, pay.State)
	assert.Equal(t, 3, pay.RetriesLeft)

	jobs := h.queue.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobAsyncActivation, jobs[0].Kind)
	assert.Equal(t, pay.JobID, jobs[0].ID)

	require.NoError(t, h.engine.OnJobFired(h.ctx, jobs[0]))
	assert.Equal(t, StateCompleted, h.state(kase.ID, "pay"))
	got := h.kase(kase.ID)
	assert.Equal(t, 10, got.Variables["charged"])
	assert.Equal(t, CaseCompleted, got.State)
}

func TestAsyncServiceTaskExhaustsRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AsyncRetries = 2
	h := newHarness(t, WithConfig(cfg))
	calls := 0
	require.NoError(t, h.engine.Actions().Register("charge", func(context.Context, ActionContext) error {
		calls++
		return errors.New("gateway down")
	}))
	b := model.NewCase("flaky")
	p := b.Plan()
	p.ServiceTask("pay", "charge").Async()
	p.HumanTask("hold")
	h.deploy(b)

	kase := h.start("flaky", nil)
	job := h.queue.jobs()[0]

	err := h.engine.OnJobFired(h.ctx, job)
	require.Error(t, err)
	assert.False(t, IsJobExhausted(err))
	pay := h.item(kase.ID, "pay")
	assert.Equal(t, StateAsyncActive, pay.State)
	assert.Equal(t, 1, pay.RetriesLeft)
	assert.Contains(t, pay.LastError, "gateway down")

	err = h.engine.OnJobFired(h.ctx, job)
	require.Error(t, err)
	assert.True(t, IsJobExhausted(err))
	assert.Equal(t, 2, calls)

	pay = h.item(kase.ID, "pay")
	assert.Equal(t, StateFailed, pay.State)
	assert.NotNil(t, pay.FailedAt)
	assert.Empty(t, pay.JobID)

	var failed *Event
	for _, evt := range h.events.of("pay") {
		if evt.Type == EventJobFailed {
			e := evt
			failed = &e
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, false, failed.Metadata["retryable"])
	assert.Equal(t, job.ID, failed.Metadata["job_id"])

	// the instance is gone from the job's point of view
	require.NoError(t, h.engine.OnJobFired(h.ctx, job))
	assert.Equal(t, 2, calls)
}

func TestOnJobExhaustedFailsInstance(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Actions().Register("noop", func(context.Context, ActionContext) error { return nil }))
	b := model.NewCase("given-up")
	p := b.Plan()
	p.ServiceTask("pay", "noop").Async()
	p.HumanTask("hold")
	h.deploy(b)

	kase := h.start("given-up", nil)
	job := h.queue.jobs()[0]
	require.NoError(t, h.engine.OnJobExhausted(h.ctx, job))
	assert.Equal(t, StateFailed, h.state(kase.ID, "pay"))
}

func TestTerminateCaseCancelsPendingJobs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Actions().Register("noop", func(context.Context, ActionContext) error { return nil }))
	b := model.NewCase("cancel-jobs")
	b.Plan().ServiceTask("pay", "noop").Async()
	h.deploy(b)

	kase := h.start("cancel-jobs", nil)
	job := h.queue.jobs()[0]

	require.NoError(t, h.engine.TerminateCase(h.ctx, kase.ID))
	assert.Equal(t, []string{job.ID}, h.queue.cancels())
	assert.Equal(t, StateTerminated, h.state(kase.ID, "pay"))

	require.NoError(t, h.engine.OnJobFired(h.ctx, job))
	assert.Equal(t, StateTerminated, h.state(kase.ID, "pay"))
}

func childCaseHarness(t *testing.T) (*harness, *CaseInstance) {
	t.Helper()
	h := newHarness(t)
	sub := model.NewCase("sub")
	sub.Plan().HumanTask("work")
	h.deploy(sub)

	parent := model.NewCase("parent")
	parent.Plan().CaseTask("call", "sub").Required()
	h.deploy(parent)

	return h, h.start("parent", map[string]any{"order": "A-1"})
}

func TestCaseTaskStartsChildCaseAndCompletesWithIt(t *testing.T) {
	h, kase := childCaseHarness(t)

	call := h.item(kase.ID, "call")
	assert.Equal(t, StateActive, call.State)
	assert.Equal(t, ReferenceTypeChildCase, call.ReferenceType)
	require.NotEmpty(t, call.ReferenceID)

	child := h.kase(call.ReferenceID)
	assert.Equal(t, kase.ID, child.ParentCaseID)
	assert.Equal(t, call.ID, child.ParentPlanItemID)
	assert.Equal(t, CallbackTypeCaseTask, child.CallbackType)
	assert.Equal(t, "A-1", child.Variables["order"])

	h.trigger(child.ID, "work")

	assert.Equal(t, CaseCompleted, h.kase(child.ID).State)
	assert.Equal(t, StateCompleted, h.state(kase.ID, "call"))
	assert.Equal(t, CaseCompleted, h.kase(kase.ID).State)

	for _, entry := range h.store.OutboxEntries() {
		assert.Equal(t, OutboxStatusCompleted, entry.Status, entry.Topic)
	}
}

func TestTerminatingParentTerminatesChildCase(t *testing.T) {
	h, kase := childCaseHarness(t)
	childID := h.item(kase.ID, "call").ReferenceID

	require.NoError(t, h.engine.TerminateCase(h.ctx, kase.ID))

	assert.Equal(t, CaseTerminated, h.kase(kase.ID).State)
	assert.Equal(t, CaseTerminated, h.kase(childID).State)
	assert.Equal(t, StateTerminated, h.state(childID, "work"))
}

func TestChildCaseTerminationTerminatesCaseTask(t *testing.T) {
	h, kase := childCaseHarness(t)
	childID := h.item(kase.ID, "call").ReferenceID

	require.NoError(t, h.engine.TerminateCase(h.ctx, childID))

	assert.Equal(t, StateTerminated, h.state(kase.ID, "call"))
	// the required case task ended, so the plan model has nothing left to wait for
	assert.Equal(t, CaseCompleted, h.kase(kase.ID).State)
}

func TestDeferredOutboxIsDispatchedOnDemand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeferOutbox = true
	h := newHarness(t, WithConfig(cfg))
	require.NoError(t, h.engine.Actions().Register("noop", func(context.Context, ActionContext) error { return nil }))
	b := model.NewCase("deferred")
	b.Plan().ServiceTask("pay", "noop").Async()
	h.deploy(b)

	h.start("deferred", nil)
	assert.Empty(t, h.queue.jobs())

	n, err := h.engine.DispatchOutbox(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.queue.jobs(), 1)

	n, err = h.engine.DispatchOutbox(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingQueue struct{ fakeQueue }

func (q *failingQueue) Enqueue(context.Context, Job) error { return errors.New("queue offline") }

func TestOutboxFailureIsRetriedLater(t *testing.T) {
	queue := &failingQueue{}
	h := newHarness(t, WithJobQueue(queue))
	require.NoError(t, h.engine.Actions().Register("noop", func(context.Context, ActionContext) error { return nil }))
	b := model.NewCase("retry-outbox")
	b.Plan().ServiceTask("pay", "noop").Async()
	h.deploy(b)

	h.start("retry-outbox", nil)

	entries := h.store.OutboxEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, OutboxStatusPending, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "queue offline")
	assert.True(t, entries[0].RetryAt.After(time.Now().UTC()))
}

type flakyQueue struct {
	fakeQueue
	offline atomic.Bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, job Job) error {
	if q.offline.Load() {
		return errors.New("queue offline")
	}
	return q.fakeQueue.Enqueue(ctx, job)
}

func TestOutboxRetryFollowsEngineClock(t *testing.T) {
	base := time.Date(2031, 3, 1, 9, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }
	queue := &flakyQueue{}
	queue.offline.Store(true)
	h := newHarness(t, WithJobQueue(queue), WithClock(clock))
	require.NoError(t, h.engine.Actions().Register("noop", func(context.Context, ActionContext) error { return nil }))
	b := model.NewCase("clocked-outbox")
	b.Plan().ServiceTask("pay", "noop").Async()
	h.deploy(b)

	h.start("clocked-outbox", nil)
	entries := h.store.OutboxEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, base.Add(DefaultConfig().OutboxRetryDelay), entries[0].RetryAt)

	queue.offline.Store(false)
	n, err := h.engine.DispatchOutbox(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	offset.Store(int64(time.Minute))
	n, err = h.engine.DispatchOutbox(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, queue.jobs(), 1)
	assert.Equal(t, JobAsyncActivation, queue.jobs()[0].Kind)
}
