package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/model"
)

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []Job
	cancelled []string
}

func (q *fakeQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *fakeQueue) jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.enqueued...)
}

func (q *fakeQueue) cancels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.cancelled...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(_ context.Context, evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// of returns the events for one plan item definition, in emission order.
func (l *eventLog) of(defID string) []Event {
	var out []Event
	for _, evt := range l.all() {
		if evt.PlanItemDefID == defID {
			out = append(out, evt)
		}
	}
	return out
}

func (l *eventLog) types(defID string) []EventType {
	var out []EventType
	for _, evt := range l.of(defID) {
		out = append(out, evt.Type)
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	queue  *fakeQueue
	events *eventLog
	store  *InMemoryStore
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		queue:  &fakeQueue{},
		events: &eventLog{},
		store:  NewInMemoryStore(),
	}
	base := []Option{
		WithLogger(NopLogger()),
		WithStore(h.store),
		WithJobQueue(h.queue),
		WithListeners(h.events),
	}
	h.engine = New(append(base, opts...)...)
	return h
}

func (h *harness) deploy(b *model.Builder) *model.CaseDefinition {
	h.t.Helper()
	def, err := b.Build()
	require.NoError(h.t, err)
	deployed, err := h.engine.Deploy(def)
	require.NoError(h.t, err)
	return deployed
}

func (h *harness) start(key string, vars map[string]any) *CaseInstance {
	h.t.Helper()
	kase, err := h.engine.StartCase(h.ctx, StartCaseRequest{DefinitionRef: key, Variables: vars})
	require.NoError(h.t, err)
	return kase
}

func (h *harness) kase(id string) *CaseInstance {
	h.t.Helper()
	kase, err := h.engine.GetCase(h.ctx, id)
	require.NoError(h.t, err)
	return kase
}

// instances returns all instances of a definition in creation order.
func (h *harness) instances(caseID, defID string) []*PlanItemInstance {
	h.t.Helper()
	items, err := h.engine.ListPlanItems(h.ctx, caseID)
	require.NoError(h.t, err)
	var out []*PlanItemInstance
	for _, item := range items {
		if item.DefinitionID == defID {
			out = append(out, item)
		}
	}
	return out
}

// item returns the most recent instance of a definition.
func (h *harness) item(caseID, defID string) *PlanItemInstance {
	h.t.Helper()
	all := h.instances(caseID, defID)
	require.NotEmpty(h.t, all, "no instance of %s", defID)
	return all[len(all)-1]
}

func (h *harness) state(caseID, defID string) PlanItemState {
	h.t.Helper()
	return h.item(caseID, defID).State
}

func (h *harness) trigger(caseID, defID string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.TriggerPlanItem(h.ctx, h.item(caseID, defID).ID))
}

func (h *harness) sentryParts(caseID string) int {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return len(h.store.data.parts[caseID])
}
