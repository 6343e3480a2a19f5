package engine

import (
	"strings"

	"github.com/goliatone/go-cmmn/model"
)

// createItem instantiates def inside stage (nil for the case plan model) and
// moves it as far as its entry criteria allow.
func (c *cascade) createItem(def *model.PlanItemDefinition, stage *PlanItemInstance, iteration int) (*PlanItemInstance, error) {
	c.kase.PlanItemSeq++
	c.touchCase()
	item := &PlanItemInstance{
		ID:             c.e.newID(),
		CaseInstanceID: c.kase.ID,
		DefinitionID:   def.ID,
		Name:           def.Name,
		Type:           def.Type,
		State:          StateUnavailable,
		Seq:            c.kase.PlanItemSeq,
		Iteration:      iteration,
		CreatedAt:      c.now,
	}
	if stage != nil {
		item.StageInstanceID = stage.ID
	}
	c.add(item)

	evt := c.baseEvent(EventPlanItemCreated)
	evt.SubScopeID = item.ID
	evt.PlanItemDefID = item.DefinitionID
	evt.PlanItemType = item.Type
	evt.Transition = model.TransitionCreate
	evt.State = string(item.State)
	c.events = append(c.events, evt)
	c.enqueue(operation{kind: opFired, itemID: item.ID, transition: model.TransitionCreate})

	if !def.HasEntryCriteria() {
		return item, c.apply(item, model.TransitionAvailable)
	}
	ok, err := c.entrySatisfiedNow(item, def)
	if err != nil {
		return nil, err
	}
	if ok {
		return item, c.apply(item, model.TransitionAvailable)
	}
	if def.Repeatable() {
		holds, err := c.repetitionHolds(item, def)
		if err != nil {
			return nil, err
		}
		if holds {
			return item, c.apply(item, model.TransitionWaitRepetition)
		}
	}
	return item, nil
}

func (c *cascade) repetitionHolds(item *PlanItemInstance, def *model.PlanItemDefinition) (bool, error) {
	if !def.Repeatable() {
		return false, nil
	}
	if strings.TrimSpace(def.Repetition.Condition) == "" {
		return true, nil
	}
	return c.evalBool(item, def.Repetition.Condition, "repetition_rule")
}

// ended reacts to a terminal instance: the plan model ends the case, other
// instances may spawn their next repetition.
func (c *cascade) ended(item *PlanItemInstance) error {
	if item.StageInstanceID == "" {
		return c.caseEnded(item)
	}
	if item.State == StateFailed {
		return nil
	}
	return c.repeat(item)
}

// repeat creates the next iteration of item when its repetition rule holds.
// Items with entry criteria keep at most one waiting sibling, so a sibling
// created when the sentry fired is not duplicated when the instance ends.
func (c *cascade) repeat(item *PlanItemInstance) error {
	def := c.definition(item)
	if def == nil || !def.Repeatable() {
		return nil
	}
	stage := c.items[item.StageInstanceID]
	if stage == nil || stage.State != StateActive || c.kase.State.Terminal() {
		return nil
	}
	siblings := 0
	for _, other := range c.children(stage.ID) {
		if other.DefinitionID != def.ID {
			continue
		}
		siblings++
		if def.HasEntryCriteria() && other.State.Waiting() {
			return nil
		}
	}
	if max := def.Repetition.MaxInstances; max > 0 && siblings >= max {
		return nil
	}
	holds, err := c.repetitionHolds(item, def)
	if err != nil || !holds {
		return err
	}
	next, err := c.createItem(def, stage, item.Iteration+1)
	if err != nil {
		return err
	}
	c.logger.Debug("plan item %s repeated: iteration %d", def.ID, next.Iteration)
	return nil
}

// caseEnded closes the case once its plan model reached a terminal state.
func (c *cascade) caseEnded(root *PlanItemInstance) error {
	if c.kase.State.Terminal() {
		return nil
	}
	state := CaseTerminated
	switch root.State {
	case StateCompleted:
		state = CaseCompleted
	case StateFailed:
		state = CaseFailed
	}
	now := c.now
	c.kase.State = state
	c.kase.EndTime = &now
	c.touchCase()

	evt := c.baseEvent(EventCaseEnded)
	evt.EndingState = string(state)
	evt.State = string(state)
	c.events = append(c.events, evt)
	c.logger.Info("case ended: %s", state)

	if c.kase.ParentCaseID == "" {
		return nil
	}
	return c.appendOutbox(TopicChildCaseEnded, childEndedPayload{
		ChildCaseID:      c.kase.ID,
		ParentCaseID:     c.kase.ParentCaseID,
		ParentPlanItemID: c.kase.ParentPlanItemID,
		EndingState:      state,
		Variables:        copyMap(c.kase.Variables),
	})
}

// startCase creates the case record and activates its plan model.
func (c *cascade) startCase(def *model.CaseDefinition, req StartCaseRequest) error {
	c.def = def
	c.kase = &CaseInstance{
		ID:               req.CaseInstanceID,
		DefinitionID:     def.ID,
		DefinitionKey:    def.Key,
		State:            CaseActive,
		StartTime:        c.now,
		StartUser:        req.StartUser,
		ParentCaseID:     req.ParentCaseID,
		ParentPlanItemID: req.ParentPlanItemID,
		CallbackID:       req.CallbackID,
		CallbackType:     req.CallbackType,
		BusinessKey:      req.BusinessKey,
		TenantID:         req.TenantID,
		Variables:        copyMap(req.Variables),
	}
	if c.kase.TenantID == "" {
		c.kase.TenantID = def.TenantID
	}
	if c.kase.Variables == nil {
		c.kase.Variables = make(map[string]any)
	}
	c.touchCase()
	c.logger = withCase(c.logger, c.kase.ID)

	c.events = append(c.events, c.baseEvent(EventCaseStarted))
	_, err := c.createItem(def.Root(), nil, 0)
	return err
}
