package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-cmmn/model"
)

// Engine drives case instances: it owns the command entry points, serializes
// work per case and commits each cascade atomically.
type Engine struct {
	logger      Logger
	store       Store
	definitions *model.Cache
	evaluator   Evaluator
	locker      Locker
	jobs        JobQueue
	listeners   Listeners
	actions     *ActionRegistry
	now         func() time.Time
	newID       func() string
	metrics     MetricsRecorder
	cfg         Config
	workerID    string
}

// New builds an engine with in-memory defaults for everything not configured.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:      NewTextLogger(os.Stderr, LevelInfo),
		store:       NewInMemoryStore(),
		definitions: model.NewCache(),
		evaluator:   VariableEvaluator{},
		locker:      NewLocalLocker(),
		actions:     NewActionRegistry(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		metrics:     noopMetrics{},
		cfg:         DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.workerID == "" {
		host, _ := os.Hostname()
		e.workerID = fmt.Sprintf("%s-%s", strings.TrimSpace(host), uuid.NewString()[:8])
	}
	return e
}

// Definitions returns the deployed definition cache.
func (e *Engine) Definitions() *model.Cache { return e.definitions }

// Actions returns the service task action registry.
func (e *Engine) Actions() *ActionRegistry { return e.actions }

// Deploy compiles and registers a case definition.
func (e *Engine) Deploy(def *model.CaseDefinition) (*model.CaseDefinition, error) {
	deployed, err := e.definitions.Deploy(def)
	if err != nil {
		return nil, err
	}
	e.logger.Info("deployed case definition %s", deployed.ID)
	return deployed, nil
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// StartCaseRequest carries the inputs of StartCase.
type StartCaseRequest struct {
	// DefinitionRef is a definition id or key; keys resolve to the latest version.
	DefinitionRef string
	Variables     map[string]any
	BusinessKey   string
	TenantID      string
	StartUser     string
	// CaseInstanceID is optional and generated when empty.
	CaseInstanceID   string
	ParentCaseID     string
	ParentPlanItemID string
	CallbackID       string
	CallbackType     string
}

// StartCase creates a case instance and runs its initial cascade. CASE_STARTED
// is dispatched before it returns.
func (e *Engine) StartCase(ctx context.Context, req StartCaseRequest) (*CaseInstance, error) {
	def, err := e.definitions.Resolve(req.DefinitionRef)
	if err != nil {
		return nil, err
	}
	if req.CaseInstanceID == "" {
		req.CaseInstanceID = e.newID()
	}
	c, err := e.execute(ctx, "start_case", req.CaseInstanceID, func(c *cascade) error {
		existing, err := c.tx.LoadCase(c.ctx, req.CaseInstanceID)
		if err != nil {
			return err
		}
		if existing != nil {
			return cloneRuntimeError(ErrPreconditionFailed, "case instance already exists", nil, map[string]any{
				"case_instance_id": req.CaseInstanceID,
			})
		}
		return c.startCase(def, req)
	})
	if err != nil {
		return nil, err
	}
	return CloneCase(c.kase), nil
}

// TriggerPlanItem completes a human task or service task, or occurs an event
// listener or milestone.
func (e *Engine) TriggerPlanItem(ctx context.Context, planItemID string) error {
	return e.onPlanItem(ctx, "trigger", planItemID, func(c *cascade, item *PlanItemInstance) error {
		return c.trigger(item)
	})
}

// EnablePlanItem moves an AVAILABLE or DISABLED instance to ENABLED.
func (e *Engine) EnablePlanItem(ctx context.Context, planItemID string) error {
	return e.transition(ctx, "enable", planItemID, model.TransitionEnable)
}

// DisablePlanItem moves an ENABLED instance to DISABLED.
func (e *Engine) DisablePlanItem(ctx context.Context, planItemID string) error {
	return e.transition(ctx, "disable", planItemID, model.TransitionDisable)
}

// StartPlanItem starts a manually activated instance.
func (e *Engine) StartPlanItem(ctx context.Context, planItemID string) error {
	return e.onPlanItem(ctx, "start", planItemID, func(c *cascade, item *PlanItemInstance) error {
		if item.State != StateEnabled {
			return cloneRuntimeError(ErrIllegalTransition,
				fmt.Sprintf("cannot start plan item in state %s", item.State), nil, map[string]any{
					"plan_item_id": item.ID,
					"state":        string(item.State),
				})
		}
		if def := c.definition(item); def != nil && def.Async {
			return c.asyncActivate(item)
		}
		return c.apply(item, model.TransitionStart)
	})
}

func (e *Engine) SuspendPlanItem(ctx context.Context, planItemID string) error {
	return e.transition(ctx, "suspend", planItemID, model.TransitionSuspend)
}

func (e *Engine) ResumePlanItem(ctx context.Context, planItemID string) error {
	return e.transition(ctx, "resume", planItemID, model.TransitionResume)
}

// ExitPlanItem terminates an instance and its subtree with the exit transition.
func (e *Engine) ExitPlanItem(ctx context.Context, planItemID string) error {
	return e.onPlanItem(ctx, "exit", planItemID, func(c *cascade, item *PlanItemInstance) error {
		if item.State.Terminal() {
			return c.apply(item, model.TransitionExit)
		}
		return c.terminateTree(item, model.TransitionExit)
	})
}

// CompleteStage completes an ACTIVE stage. Without force the stage must be
// completable; remaining children are terminated first.
func (e *Engine) CompleteStage(ctx context.Context, stageID string, force bool) error {
	return e.onPlanItem(ctx, "complete_stage", stageID, func(c *cascade, item *PlanItemInstance) error {
		if !item.Type.IsContainer() {
			return cloneRuntimeError(ErrIllegalTransition, "plan item is not a stage", nil, map[string]any{
				"plan_item_id": item.ID,
				"type":         string(item.Type),
			})
		}
		return c.completeStage(item, force)
	})
}

// TerminateCase terminates the plan model and every live instance below it.
func (e *Engine) TerminateCase(ctx context.Context, caseID string) error {
	_, err := e.onCase(ctx, "terminate_case", caseID, func(c *cascade) error {
		root := c.root()
		if c.kase.State.Terminal() || root == nil || root.State.Terminal() {
			return cloneRuntimeError(ErrIllegalTransition, "case already ended", nil, map[string]any{
				"case_instance_id": caseID,
				"state":            string(c.kase.State),
			})
		}
		return c.terminateTree(root, model.TransitionTerminate)
	})
	return err
}

// SetVariables merges vars into the case variables and re-evaluates pending sentries.
func (e *Engine) SetVariables(ctx context.Context, caseID string, vars map[string]any) error {
	_, err := e.onCase(ctx, "set_variables", caseID, func(c *cascade) error {
		if c.kase.State.Terminal() {
			return cloneRuntimeError(ErrIllegalTransition, "case already ended", nil, map[string]any{
				"case_instance_id": caseID,
				"state":            string(c.kase.State),
			})
		}
		if len(vars) == 0 {
			return nil
		}
		c.setVariables(vars)
		return nil
	})
	return err
}

// SetLocalVariables stores variables on one plan item instance.
func (e *Engine) SetLocalVariables(ctx context.Context, planItemID string, vars map[string]any) error {
	return e.onPlanItem(ctx, "set_local_variables", planItemID, func(c *cascade, item *PlanItemInstance) error {
		if item.LocalVariables == nil {
			item.LocalVariables = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			item.LocalVariables[k] = v
		}
		c.markDirty(item)
		c.requestReevaluation()
		return nil
	})
}

// UpdateBusinessStatus sets the free-form business status of a case.
func (e *Engine) UpdateBusinessStatus(ctx context.Context, caseID, status string) error {
	_, err := e.onCase(ctx, "update_business_status", caseID, func(c *cascade) error {
		if c.kase.BusinessStatus == status {
			return nil
		}
		c.kase.BusinessStatus = status
		c.touchCase()
		return nil
	})
	return err
}

// GetCase returns a case instance.
func (e *Engine) GetCase(ctx context.Context, caseID string) (*CaseInstance, error) {
	rec, err := e.store.LoadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound("case instance", caseID)
	}
	return rec, nil
}

// GetPlanItem returns a plan item instance.
func (e *Engine) GetPlanItem(ctx context.Context, planItemID string) (*PlanItemInstance, error) {
	rec, err := e.store.LoadPlanItem(ctx, planItemID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound("plan item instance", planItemID)
	}
	return rec, nil
}

// ListPlanItems returns every plan item instance of a case in creation order.
func (e *Engine) ListPlanItems(ctx context.Context, caseID string) ([]*PlanItemInstance, error) {
	if _, err := e.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	items, err := e.store.ListPlanItems(ctx, caseID)
	if err != nil {
		return nil, err
	}
	SortPlanItems(items)
	return items, nil
}

// ListCases returns all case instances.
func (e *Engine) ListCases(ctx context.Context) ([]*CaseInstance, error) {
	return e.store.ListCases(ctx)
}

func (e *Engine) transition(ctx context.Context, command, planItemID string, tr model.Transition) error {
	return e.onPlanItem(ctx, command, planItemID, func(c *cascade, item *PlanItemInstance) error {
		return c.apply(item, tr)
	})
}

func (e *Engine) onPlanItem(ctx context.Context, command, planItemID string, fn func(*cascade, *PlanItemInstance) error) error {
	rec, err := e.GetPlanItem(ctx, planItemID)
	if err != nil {
		return err
	}
	_, err = e.onCase(ctx, command, rec.CaseInstanceID, func(c *cascade) error {
		item := c.items[planItemID]
		if item == nil {
			return notFound("plan item instance", planItemID)
		}
		return fn(c, item)
	})
	return err
}

// onCase runs fn against the loaded case tree.
func (e *Engine) onCase(ctx context.Context, command, caseID string, fn func(*cascade) error) (*cascade, error) {
	return e.execute(ctx, command, caseID, func(c *cascade) error {
		if err := c.load(caseID); err != nil {
			return err
		}
		return fn(c)
	})
}

// execute runs one command under the case lock, retries on version conflicts,
// then dispatches fail-open listeners and drains the outbox after commit.
func (e *Engine) execute(ctx context.Context, command, caseID string, fn func(*cascade) error) (*cascade, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	c, err := e.executeLocked(ctx, command, caseID, fn)
	e.metrics.RecordDuration(command, time.Since(start))
	if err != nil {
		e.metrics.RecordError(command)
		return nil, err
	}
	e.metrics.RecordSuccess(command)

	if e.cfg.HookFailureMode == HookFailureModeFailOpen {
		_ = e.listeners.dispatch(ctx, c.events, HookFailureModeFailOpen, c.logger)
	}
	if len(c.outbox) > 0 && !e.cfg.DeferOutbox {
		if _, derr := e.DispatchOutbox(ctx); derr != nil {
			c.logger.Error("outbox dispatch failed: %v", derr)
		}
	}
	return c, nil
}

func (e *Engine) executeLocked(ctx context.Context, command, caseID string, fn func(*cascade) error) (*cascade, error) {
	unlock, err := e.locker.Lock(ctx, caseLockKey(caseID), e.cfg.LockTTL)
	if err != nil {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "acquire case lock", err, map[string]any{
			"case_instance_id": caseID,
			"command":          command,
		})
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			e.logger.Warn("release case lock %s: %v", caseID, uerr)
		}
	}()

	for attempt := 0; ; attempt++ {
		var c *cascade
		err := e.store.RunInTransaction(ctx, func(tx Tx) error {
			c = e.newCascade(ctx, tx, command)
			if err := fn(c); err != nil {
				return err
			}
			if err := c.run(); err != nil {
				return err
			}
			if e.cfg.HookFailureMode == HookFailureModeFailClosed {
				if err := e.listeners.dispatch(ctx, c.events, HookFailureModeFailClosed, c.logger); err != nil {
					return err
				}
			}
			return c.flush()
		})
		if err == nil {
			return c, nil
		}
		if IsVersionConflict(err) && attempt < e.cfg.ConflictRetries {
			e.logger.Debug("version conflict on case %s, retry %d: %v", caseID, attempt+1, err)
			continue
		}
		if errors.Is(err, ErrStateVersionConflict) && ErrorCode(err) == "" {
			err = cloneRuntimeError(ErrVersionConflict, "", err, map[string]any{"case_instance_id": caseID})
		}
		if c != nil {
			c.logger.Debug("command rolled back: %v", err)
		}
		return nil, err
	}
}
