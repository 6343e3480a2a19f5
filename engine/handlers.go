package engine

import (
	"context"

	cmmn "github.com/goliatone/go-cmmn"
	"github.com/goliatone/go-cmmn/dispatcher"
	"github.com/goliatone/go-cmmn/runner"
)

// Handlers exposes engine operations as message commanders and queriers.
type Handlers struct {
	engine *Engine
}

func NewHandlers(e *Engine) *Handlers {
	return &Handlers{engine: e}
}

func validated[T cmmn.Message](fn func(context.Context, T) error) cmmn.CommandFunc[T] {
	return func(ctx context.Context, msg T) error {
		if err := msg.Validate(); err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}

func validatedQuery[T cmmn.Message, R any](fn func(context.Context, T) (R, error)) cmmn.QueryFunc[T, R] {
	return func(ctx context.Context, msg T) (R, error) {
		if err := msg.Validate(); err != nil {
			var zero R
			return zero, err
		}
		return fn(ctx, msg)
	}
}

// StartCase starts a case. The created instance is stored in the
// *cmmn.Result[*CaseInstance] attached to ctx, if any.
func (h *Handlers) StartCase() cmmn.Commander[cmmn.StartCase] {
	return validated(func(ctx context.Context, msg cmmn.StartCase) error {
		kase, err := h.engine.StartCase(ctx, StartCaseRequest{
			DefinitionRef:  msg.DefinitionRef,
			CaseInstanceID: msg.CaseInstanceID,
			BusinessKey:    msg.BusinessKey,
			TenantID:       msg.TenantID,
			StartUser:      msg.StartUser,
			Variables:      msg.Variables,
		})
		if result := cmmn.ResultFromContext[*CaseInstance](ctx); result != nil {
			if err != nil {
				result.StoreError(err)
			} else {
				result.Store(kase)
			}
		}
		return err
	})
}

func (h *Handlers) TriggerPlanItem() cmmn.Commander[cmmn.TriggerPlanItem] {
	return validated(func(ctx context.Context, msg cmmn.TriggerPlanItem) error {
		return h.engine.TriggerPlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) EnablePlanItem() cmmn.Commander[cmmn.EnablePlanItem] {
	return validated(func(ctx context.Context, msg cmmn.EnablePlanItem) error {
		return h.engine.EnablePlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) DisablePlanItem() cmmn.Commander[cmmn.DisablePlanItem] {
	return validated(func(ctx context.Context, msg cmmn.DisablePlanItem) error {
		return h.engine.DisablePlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) StartPlanItem() cmmn.Commander[cmmn.StartPlanItem] {
	return validated(func(ctx context.Context, msg cmmn.StartPlanItem) error {
		return h.engine.StartPlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) SuspendPlanItem() cmmn.Commander[cmmn.SuspendPlanItem] {
	return validated(func(ctx context.Context, msg cmmn.SuspendPlanItem) error {
		return h.engine.SuspendPlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) ResumePlanItem() cmmn.Commander[cmmn.ResumePlanItem] {
	return validated(func(ctx context.Context, msg cmmn.ResumePlanItem) error {
		return h.engine.ResumePlanItem(ctx, msg.PlanItemInstanceID)
	})
}

func (h *Handlers) CompleteStage() cmmn.Commander[cmmn.CompleteStage] {
	return validated(func(ctx context.Context, msg cmmn.CompleteStage) error {
		return h.engine.CompleteStage(ctx, msg.StageInstanceID, msg.Force)
	})
}

func (h *Handlers) TerminateCase() cmmn.Commander[cmmn.TerminateCase] {
	return validated(func(ctx context.Context, msg cmmn.TerminateCase) error {
		return h.engine.TerminateCase(ctx, msg.CaseInstanceID)
	})
}

func (h *Handlers) UpdateBusinessStatus() cmmn.Commander[cmmn.UpdateBusinessStatus] {
	return validated(func(ctx context.Context, msg cmmn.UpdateBusinessStatus) error {
		return h.engine.UpdateBusinessStatus(ctx, msg.CaseInstanceID, msg.Status)
	})
}

// SetVariables writes local variables when the message names a plan item,
// case variables otherwise.
func (h *Handlers) SetVariables() cmmn.Commander[cmmn.SetVariables] {
	return validated(func(ctx context.Context, msg cmmn.SetVariables) error {
		if msg.PlanItemInstanceID != "" {
			return h.engine.SetLocalVariables(ctx, msg.PlanItemInstanceID, msg.Variables)
		}
		return h.engine.SetVariables(ctx, msg.CaseInstanceID, msg.Variables)
	})
}

func (h *Handlers) GetCase() cmmn.Querier[cmmn.GetCase, *CaseInstance] {
	return validatedQuery(func(ctx context.Context, msg cmmn.GetCase) (*CaseInstance, error) {
		return h.engine.GetCase(ctx, msg.CaseInstanceID)
	})
}

func (h *Handlers) ListPlanItems() cmmn.Querier[cmmn.ListPlanItems, []*PlanItemInstance] {
	return validatedQuery(func(ctx context.Context, msg cmmn.ListPlanItems) ([]*PlanItemInstance, error) {
		return h.engine.ListPlanItems(ctx, msg.CaseInstanceID)
	})
}

func (h *Handlers) ListCases() cmmn.Querier[cmmn.ListCases, []*CaseInstance] {
	return validatedQuery(func(ctx context.Context, _ cmmn.ListCases) ([]*CaseInstance, error) {
		return h.engine.ListCases(ctx)
	})
}

// Subscribe registers every commander and querier with d.
func (h *Handlers) Subscribe(d *dispatcher.Dispatcher, opts ...runner.Option) []dispatcher.Subscription {
	return []dispatcher.Subscription{
		dispatcher.SubscribeCommand(d, h.StartCase(), opts...),
		dispatcher.SubscribeCommand(d, h.TriggerPlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.EnablePlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.DisablePlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.StartPlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.SuspendPlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.ResumePlanItem(), opts...),
		dispatcher.SubscribeCommand(d, h.CompleteStage(), opts...),
		dispatcher.SubscribeCommand(d, h.TerminateCase(), opts...),
		dispatcher.SubscribeCommand(d, h.UpdateBusinessStatus(), opts...),
		dispatcher.SubscribeCommand(d, h.SetVariables(), opts...),
		dispatcher.SubscribeQuery(d, h.GetCase(), opts...),
		dispatcher.SubscribeQuery(d, h.ListPlanItems(), opts...),
		dispatcher.SubscribeQuery(d, h.ListCases(), opts...),
	}
}
