package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goliatone/go-cmmn/model"
)

type opKind int

const (
	// opFired notifies sentries that an instance went through a transition.
	opFired opKind = iota
	// opEnter decides how an AVAILABLE instance proceeds.
	opEnter
	// opStarted runs type specific behavior for a freshly ACTIVE instance.
	opStarted
	// opEnded handles repetition and case end for a terminal instance.
	opEnded
	// opStageCheck recomputes completability and auto completes the stage. It
	// runs only once the agenda is otherwise empty.
	opStageCheck
	// opReevaluate re-checks pending sentries after variables changed.
	opReevaluate
)

func (k opKind) String() string {
	switch k {
	case opFired:
		return "fired"
	case opEnter:
		return "enter"
	case opStarted:
		return "started"
	case opEnded:
		return "ended"
	case opStageCheck:
		return "stage_check"
	case opReevaluate:
		return "reevaluate"
	default:
		return "unknown"
	}
}

type operation struct {
	kind       opKind
	itemID     string
	transition model.Transition
}

// cascade is the unit of work for one command against one case. All reactions
// triggered by the command run through the agenda until it is empty, then the
// dirty records are flushed in a single transaction.
type cascade struct {
	e       *Engine
	ctx     context.Context
	tx      Tx
	id      string
	command string
	now     time.Time
	logger  Logger

	def       *model.CaseDefinition
	kase      *CaseInstance
	caseRev   int
	caseDirty bool

	items   map[string]*PlanItemInstance
	ordered []*PlanItemInstance
	revs    map[string]int
	dirty   map[string]bool

	parts        map[string]*SentryPartInstance
	touchedParts map[[2]string]bool

	agenda        []operation
	stageChecks   []string
	checkPending  map[string]bool
	ops           int
	reevalPending bool
	childEnded    map[string]bool

	events []Event
	outbox []OutboxEntry
}

func (e *Engine) newCascade(ctx context.Context, tx Tx, command string) *cascade {
	id := e.newID()
	return &cascade{
		e:            e,
		ctx:          ctx,
		tx:           tx,
		id:           id,
		command:      command,
		now:          e.now().UTC(),
		logger:       withFields(e.logger.WithContext(ctx), map[string]any{FieldCommand: command, FieldCascadeID: id}),
		items:        make(map[string]*PlanItemInstance),
		revs:         make(map[string]int),
		dirty:        make(map[string]bool),
		parts:        make(map[string]*SentryPartInstance),
		touchedParts: make(map[[2]string]bool),
		childEnded:   make(map[string]bool),
		checkPending: make(map[string]bool),
	}
}

// load reads the whole case tree into the cascade.
func (c *cascade) load(caseID string) error {
	kase, err := c.tx.LoadCase(c.ctx, caseID)
	if err != nil {
		return err
	}
	if kase == nil {
		return notFound("case instance", caseID)
	}
	def, err := c.e.definitions.Get(kase.DefinitionID)
	if err != nil {
		return cloneRuntimeError(ErrPreconditionFailed, "case definition not deployed", err, map[string]any{
			"case_instance_id": caseID,
			"definition_id":    kase.DefinitionID,
		})
	}
	items, err := c.tx.ListPlanItems(c.ctx, caseID)
	if err != nil {
		return err
	}
	parts, err := c.tx.ListSentryParts(c.ctx, caseID)
	if err != nil {
		return err
	}

	c.def = def
	c.kase = kase
	c.caseRev = kase.Revision
	SortPlanItems(items)
	for _, item := range items {
		c.items[item.ID] = item
		c.revs[item.ID] = item.Revision
		c.ordered = append(c.ordered, item)
	}
	for _, p := range parts {
		c.parts[p.Key()] = p
	}
	c.logger = withCase(c.logger, caseID)
	return nil
}

func (c *cascade) enqueue(op operation) {
	if op.kind == opStageCheck {
		c.scheduleStageCheck(op.itemID)
		return
	}
	c.agenda = append(c.agenda, op)
}

// scheduleStageCheck queues one pending check per stage.
func (c *cascade) scheduleStageCheck(stageID string) {
	if c.checkPending[stageID] {
		return
	}
	c.checkPending[stageID] = true
	c.stageChecks = append(c.stageChecks, stageID)
}

// next pops the next operation. Stage checks wait until every sentry and
// entry reaction of the cascade so far has been handled.
func (c *cascade) next() (operation, bool) {
	if len(c.agenda) > 0 {
		op := c.agenda[0]
		c.agenda = c.agenda[1:]
		return op, true
	}
	if len(c.stageChecks) > 0 {
		stageID := c.stageChecks[0]
		c.stageChecks = c.stageChecks[1:]
		delete(c.checkPending, stageID)
		return operation{kind: opStageCheck, itemID: stageID}, true
	}
	return operation{}, false
}

// run processes the agenda to a fixpoint.
func (c *cascade) run() error {
	limit := c.e.cfg.MaxCascadeOperations
	for {
		op, ok := c.next()
		if !ok {
			return nil
		}
		c.ops++
		if limit > 0 && c.ops > limit {
			return cloneRuntimeError(ErrCascadeLimit, "", nil, map[string]any{
				"case_instance_id": c.kase.ID,
				"limit":            limit,
			})
		}
		if err := c.process(op); err != nil {
			return err
		}
	}
}

func (c *cascade) process(op operation) error {
	if op.kind == opReevaluate {
		c.reevalPending = false
		return c.reevaluate()
	}
	item := c.items[op.itemID]
	if item == nil {
		return nil
	}
	switch op.kind {
	case opFired:
		return c.onFired(item, op.transition)
	case opEnter:
		return c.enter(item)
	case opStarted:
		if item.State != StateActive {
			return nil
		}
		return c.started(item)
	case opEnded:
		return c.ended(item)
	case opStageCheck:
		return c.checkStage(item)
	}
	return nil
}

func (c *cascade) requestReevaluation() {
	if c.reevalPending {
		return
	}
	c.reevalPending = true
	c.enqueue(operation{kind: opReevaluate})
}

// apply validates tr against the transition table and applies it.
func (c *cascade) apply(item *PlanItemInstance, tr model.Transition) error {
	from := item.State
	to, ok := NextState(from, tr)
	if !ok {
		return cloneRuntimeError(ErrIllegalTransition,
			fmt.Sprintf("cannot %s plan item in state %s", tr, from), nil, map[string]any{
				"case_instance_id": item.CaseInstanceID,
				"plan_item_id":     item.ID,
				"definition_id":    item.DefinitionID,
				"state":            string(from),
				"transition":       string(tr),
			})
	}
	item.State = to
	c.stamp(item, from, to)
	c.markDirty(item)
	c.emitTransition(item, tr, from)
	c.logger.Debug("plan item %s %s: %s -> %s", item.DefinitionID, tr, from, to)

	if to.Terminal() {
		if err := c.cleanup(item, tr); err != nil {
			return err
		}
	}

	c.enqueue(operation{kind: opFired, itemID: item.ID, transition: tr})
	switch {
	case to == StateAvailable:
		c.enqueue(operation{kind: opEnter, itemID: item.ID})
	case to == StateActive && from != StateSuspended:
		c.enqueue(operation{kind: opStarted, itemID: item.ID})
	case to.Terminal():
		c.enqueue(operation{kind: opEnded, itemID: item.ID})
	}
	if item.StageInstanceID != "" {
		c.enqueue(operation{kind: opStageCheck, itemID: item.StageInstanceID})
	}
	return nil
}

func (c *cascade) stamp(item *PlanItemInstance, from, to PlanItemState) {
	now := c.now
	switch to {
	case StateAvailable:
		item.AvailableAt = &now
	case StateEnabled:
		item.EnabledAt = &now
	case StateDisabled:
		item.DisabledAt = &now
	case StateActive:
		if from != StateSuspended {
			item.StartedAt = &now
		}
	case StateSuspended:
		item.SuspendedAt = &now
	case StateCompleted:
		item.CompletedAt = &now
		item.EndedAt = &now
	case StateTerminated:
		item.TerminatedAt = &now
		item.EndedAt = &now
	case StateFailed:
		item.FailedAt = &now
		item.EndedAt = &now
	}
}

// cleanup cancels pending jobs and live child cases of an instance that just ended.
func (c *cascade) cleanup(item *PlanItemInstance, tr model.Transition) error {
	if item.JobID != "" {
		jobID := item.JobID
		item.JobID = ""
		if err := c.appendOutbox(TopicJobCancel, jobCancelPayload{JobID: jobID}); err != nil {
			return err
		}
	}
	if item.ReferenceType == ReferenceTypeChildCase && item.ReferenceID != "" &&
		tr != model.TransitionComplete && !c.childEnded[item.ID] {
		return c.appendOutbox(TopicChildCaseTerminate, childTerminatePayload{ChildCaseID: item.ReferenceID})
	}
	return nil
}

func (c *cascade) markDirty(item *PlanItemInstance) {
	c.dirty[item.ID] = true
}

func (c *cascade) touchCase() {
	c.caseDirty = true
}

func (c *cascade) add(item *PlanItemInstance) {
	c.items[item.ID] = item
	c.ordered = append(c.ordered, item)
	c.markDirty(item)
}

func (c *cascade) definition(item *PlanItemInstance) *model.PlanItemDefinition {
	def, _ := c.def.PlanItem(item.DefinitionID)
	return def
}

// children returns the direct children of a stage instance in creation order.
func (c *cascade) children(stageID string) []*PlanItemInstance {
	var out []*PlanItemInstance
	for _, item := range c.ordered {
		if item.StageInstanceID == stageID {
			out = append(out, item)
		}
	}
	return out
}

func (c *cascade) instancesOf(definitionID string) []*PlanItemInstance {
	var out []*PlanItemInstance
	for _, item := range c.ordered {
		if item.DefinitionID == definitionID {
			out = append(out, item)
		}
	}
	return out
}

func (c *cascade) root() *PlanItemInstance {
	for _, item := range c.ordered {
		if item.StageInstanceID == "" {
			return item
		}
	}
	return nil
}

// scope builds the variable scope of an instance: case variables overridden by
// local variables.
func (c *cascade) scope(item *PlanItemInstance) map[string]any {
	vars := copyMap(c.kase.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}
	if item != nil {
		for k, v := range item.LocalVariables {
			vars[k] = v
		}
	}
	return vars
}

func (c *cascade) evalBool(item *PlanItemInstance, expr, purpose string) (bool, error) {
	value, err := c.e.evaluator.Evaluate(c.ctx, expr, c.scope(item))
	if err != nil {
		meta := map[string]any{
			"case_instance_id": c.kase.ID,
			"expression":       expr,
			"purpose":          purpose,
		}
		if item != nil {
			meta["plan_item_id"] = item.ID
			meta["definition_id"] = item.DefinitionID
		}
		return false, cloneRuntimeError(ErrExpressionFailed, "", err, meta)
	}
	return Truthy(value), nil
}

func (c *cascade) baseEvent(typ EventType) Event {
	return Event{
		Type:              typ,
		ScopeType:         c.e.cfg.ScopeType,
		ScopeID:           c.kase.ID,
		ScopeDefinitionID: c.kase.DefinitionID,
		CascadeID:         c.id,
		OccurredAt:        c.now,
	}
}

func (c *cascade) emitTransition(item *PlanItemInstance, tr model.Transition, from PlanItemState) {
	evt := c.baseEvent(PlanItemEventType(item.State))
	evt.SubScopeID = item.ID
	evt.PlanItemDefID = item.DefinitionID
	evt.PlanItemType = item.Type
	evt.Transition = tr
	evt.PreviousState = string(from)
	evt.State = string(item.State)
	c.events = append(c.events, evt)

	if !item.Type.IsContainer() {
		return
	}
	switch {
	case item.State == StateActive && from != StateSuspended:
		stage := evt
		stage.Type = EventStageStarted
		c.events = append(c.events, stage)
	case item.State.Terminal():
		stage := evt
		stage.Type = EventStageEnded
		stage.EndingState = string(item.State)
		c.events = append(c.events, stage)
	}
}

func (c *cascade) appendOutbox(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload %s: %w", topic, err)
	}
	c.outbox = append(c.outbox, OutboxEntry{
		ID:             c.e.newID(),
		CaseInstanceID: c.kase.ID,
		Topic:          topic,
		Payload:        raw,
		CreatedAt:      c.now,
		Metadata:       map[string]any{"cascade_id": c.id},
	})
	return nil
}

// flush writes every dirty record with its expected revision.
func (c *cascade) flush() error {
	if c.caseDirty {
		rev, err := c.tx.SaveCase(c.ctx, c.kase, c.caseRev)
		if err != nil {
			return c.storeError(err, "case", c.kase.ID)
		}
		c.kase.Revision = rev
	}
	for _, item := range c.ordered {
		if !c.dirty[item.ID] {
			continue
		}
		rev, err := c.tx.SavePlanItem(c.ctx, item, c.revs[item.ID])
		if err != nil {
			return c.storeError(err, "plan item", item.ID)
		}
		item.Revision = rev
	}
	if err := c.flushParts(); err != nil {
		return err
	}
	for _, entry := range c.outbox {
		if err := c.tx.AppendOutbox(c.ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *cascade) flushParts() error {
	if len(c.touchedParts) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(c.touchedParts))
	for pair := range c.touchedParts {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, pair := range pairs {
		if err := c.tx.DeleteSentryParts(c.ctx, c.kase.ID, pair[0], pair[1]); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(c.parts))
	for key, p := range c.parts {
		if c.touchedParts[[2]string{p.PlanItemInstanceID, p.SentryID}] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := c.tx.SaveSentryPart(c.ctx, c.parts[key]); err != nil {
			return err
		}
	}
	return nil
}

func (c *cascade) storeError(err error, kind, id string) error {
	if IsVersionConflict(err) {
		return cloneRuntimeError(ErrVersionConflict, kind+" revision changed concurrently", err, map[string]any{
			"case_instance_id": c.kase.ID,
			"id":               id,
		})
	}
	return err
}
