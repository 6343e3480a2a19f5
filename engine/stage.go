package engine

import (
	"strings"

	"github.com/goliatone/go-cmmn/model"
)

// checkStage recomputes the completable flag of an ACTIVE stage and completes
// it once nothing inside can still make progress on its own.
func (c *cascade) checkStage(stage *PlanItemInstance) error {
	if stage.State != StateActive {
		return nil
	}
	children := c.children(stage.ID)
	completable, err := c.completable(children)
	if err != nil {
		return err
	}
	if stage.Completable != completable {
		stage.Completable = completable
		c.markDirty(stage)
	}
	if stage.StageInstanceID == "" && c.kase.Completable != completable {
		c.kase.Completable = completable
		c.touchCase()
	}
	if !completable {
		return nil
	}

	def := c.definition(stage)
	autoComplete := def != nil && def.AutoComplete
	for _, child := range children {
		switch child.State {
		case StateActive, StateAsyncActive, StateSuspended, StateAvailable:
			return nil
		case StateEnabled:
			if !autoComplete {
				return nil
			}
		}
	}
	return c.completeStage(stage, false)
}

// completable is true when no required child is still pending.
func (c *cascade) completable(children []*PlanItemInstance) (bool, error) {
	for _, child := range children {
		if child.State.Terminal() || child.State.Dormant() {
			continue
		}
		required, err := c.required(child)
		if err != nil {
			return false, err
		}
		if required {
			return false, nil
		}
	}
	return true, nil
}

func (c *cascade) required(item *PlanItemInstance) (bool, error) {
	def := c.definition(item)
	if def == nil {
		return false, nil
	}
	if def.Required {
		return true, nil
	}
	if strings.TrimSpace(def.RequiredRule) == "" {
		return false, nil
	}
	return c.evalBool(item, def.RequiredRule, "required_rule")
}

// completeStage drains the remaining children and completes the stage. Unless
// forced, the stage must be completable.
func (c *cascade) completeStage(stage *PlanItemInstance, force bool) error {
	if stage.State != StateActive {
		return cloneRuntimeError(ErrIllegalTransition, "stage is not active", nil, map[string]any{
			"plan_item_id": stage.ID,
			"state":        string(stage.State),
		})
	}
	children := c.children(stage.ID)
	if !force {
		completable, err := c.completable(children)
		if err != nil {
			return err
		}
		if !completable {
			return cloneRuntimeError(ErrNotCompletable, "", nil, map[string]any{
				"case_instance_id": stage.CaseInstanceID,
				"plan_item_id":     stage.ID,
				"definition_id":    stage.DefinitionID,
			})
		}
	}
	for _, child := range children {
		if child.State.Terminal() {
			continue
		}
		if err := c.terminateTree(child, model.TransitionTerminate); err != nil {
			return err
		}
	}
	return c.apply(stage, model.TransitionComplete)
}

// terminateTree ends top and everything below it, children before parents and
// siblings in creation order. top gets tr, descendants get terminate.
func (c *cascade) terminateTree(top *PlanItemInstance, tr model.Transition) error {
	type frame struct {
		item     *PlanItemInstance
		expanded bool
	}
	var order []*PlanItemInstance
	stack := []frame{{item: top}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.expanded || !f.item.Type.IsContainer() {
			order = append(order, f.item)
			continue
		}
		stack = append(stack, frame{item: f.item, expanded: true})
		kids := c.children(f.item.ID)
		for i := len(kids) - 1; i >= 0; i-- {
			if !kids[i].State.Terminal() {
				stack = append(stack, frame{item: kids[i]})
			}
		}
	}
	for _, item := range order {
		if item.State.Terminal() {
			continue
		}
		itemTr := model.TransitionTerminate
		if item == top {
			itemTr = tr
		}
		if err := c.apply(item, itemTr); err != nil {
			return err
		}
	}
	return nil
}
