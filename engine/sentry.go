package engine

import (
	"sort"
	"strings"

	"github.com/goliatone/go-cmmn/model"
)

type satisfied struct {
	item   *PlanItemInstance
	sentry string
	kind   model.CriterionKind
}

// criterionApplies reports whether a criterion of kind can still act on item.
func criterionApplies(item *PlanItemInstance, kind model.CriterionKind) bool {
	if kind == model.CriterionEntry {
		return item.State.Waiting()
	}
	return !item.State.Terminal()
}

// onFired records the onPart source#tr for every gated instance listening to it
// and activates or exits the ones whose sentry became satisfied.
func (c *cascade) onFired(source *PlanItemInstance, tr model.Transition) error {
	refs := c.def.CriteriaTriggeredBy(source.DefinitionID, tr)
	if len(refs) == 0 {
		return nil
	}
	onKey := model.OnPart{Source: source.DefinitionID, Event: tr}.Key()
	var hits []satisfied
	for _, ref := range refs {
		sentry, ok := c.def.Sentry(ref.SentryID)
		if !ok {
			continue
		}
		for _, gated := range c.instancesOf(ref.PlanItemID) {
			if gated.ID == source.ID || !criterionApplies(gated, ref.Kind) {
				continue
			}
			c.recordPart(gated, sentry.ID, onKey)
			ok, err := c.sentrySatisfied(gated, sentry)
			if err != nil {
				return err
			}
			if ok {
				hits = append(hits, satisfied{item: gated, sentry: sentry.ID, kind: ref.Kind})
			}
		}
	}
	return c.fire(hits)
}

// reevaluate re-checks every pending criterion of the case. It picks up ifPart
// only sentries and sentries whose onParts fired while the ifPart was false.
func (c *cascade) reevaluate() error {
	if c.kase.State.Terminal() {
		return nil
	}
	var hits []satisfied
	snapshot := append([]*PlanItemInstance(nil), c.ordered...)
	for _, item := range snapshot {
		if item.State.Terminal() {
			continue
		}
		for _, ref := range c.def.CriteriaOf(item.DefinitionID) {
			if !criterionApplies(item, ref.Kind) {
				continue
			}
			sentry, ok := c.def.Sentry(ref.SentryID)
			if !ok {
				continue
			}
			ok, err := c.sentrySatisfied(item, sentry)
			if err != nil {
				return err
			}
			if ok {
				hits = append(hits, satisfied{item: item, sentry: sentry.ID, kind: ref.Kind})
			}
		}
	}
	return c.fire(hits)
}

// fire applies satisfied criteria in creation order, exit before entry for the
// same instance. State is re-checked since earlier firings may have moved it.
func (c *cascade) fire(hits []satisfied) error {
	if len(hits) == 0 {
		return nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].item.Seq != hits[j].item.Seq {
			return hits[i].item.Seq < hits[j].item.Seq
		}
		return hits[i].kind == model.CriterionExit && hits[j].kind != model.CriterionExit
	})
	for _, hit := range hits {
		if !criterionApplies(hit.item, hit.kind) {
			continue
		}
		c.clearParts(hit.item, hit.sentry)
		c.logger.Debug("sentry %s satisfied for %s (%s)", hit.sentry, hit.item.DefinitionID, hit.kind)
		if hit.kind == model.CriterionExit {
			if err := c.terminateTree(hit.item, model.TransitionExit); err != nil {
				return err
			}
			continue
		}
		if err := c.apply(hit.item, model.TransitionAvailable); err != nil {
			return err
		}
		// the next iteration waits for the next firing of an onPart sentry
		if sentry, ok := c.def.Sentry(hit.sentry); ok && !sentry.IfOnly() {
			if err := c.repeat(hit.item); err != nil {
				return err
			}
		}
	}
	return nil
}

// sentrySatisfied is true when every onPart has a recorded firing and the
// ifPart, when present, is truthy.
func (c *cascade) sentrySatisfied(item *PlanItemInstance, sentry *model.Sentry) (bool, error) {
	for _, on := range sentry.OnParts {
		key := SentryPartInstance{PlanItemInstanceID: item.ID, SentryID: sentry.ID, OnPart: on.Key()}.Key()
		if _, ok := c.parts[key]; !ok {
			return false, nil
		}
	}
	if strings.TrimSpace(sentry.IfPart) == "" {
		return true, nil
	}
	return c.evalBool(item, sentry.IfPart, "if_part:"+sentry.ID)
}

// recordPart is idempotent: recording the same onPart twice keeps the first firing.
func (c *cascade) recordPart(item *PlanItemInstance, sentryID, onPart string) {
	part := &SentryPartInstance{
		CaseInstanceID:     item.CaseInstanceID,
		PlanItemInstanceID: item.ID,
		SentryID:           sentryID,
		OnPart:             onPart,
		FiredAt:            c.now,
	}
	key := part.Key()
	if _, ok := c.parts[key]; ok {
		return
	}
	c.parts[key] = part
	c.touchedParts[[2]string{item.ID, sentryID}] = true
}

func (c *cascade) clearParts(item *PlanItemInstance, sentryID string) {
	for key, p := range c.parts {
		if p.PlanItemInstanceID == item.ID && p.SentryID == sentryID {
			delete(c.parts, key)
		}
	}
	c.touchedParts[[2]string{item.ID, sentryID}] = true
}

// entrySatisfiedNow checks ifPart only entry sentries at creation time.
func (c *cascade) entrySatisfiedNow(item *PlanItemInstance, def *model.PlanItemDefinition) (bool, error) {
	for _, id := range def.EntryCriteria {
		sentry, ok := c.def.Sentry(id)
		if !ok || !sentry.IfOnly() {
			continue
		}
		ok, err := c.evalBool(item, sentry.IfPart, "if_part:"+sentry.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
