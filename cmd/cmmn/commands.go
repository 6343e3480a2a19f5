package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	cmmn "github.com/goliatone/go-cmmn"
	"github.com/goliatone/go-cmmn/dispatcher"
	"github.com/goliatone/go-cmmn/engine"
)

type StartCmd struct {
	Definition  string   `arg:"" help:"Definition key or id."`
	Vars        []string `arg:"" optional:"" help:"Variables as key=value; values are parsed as YAML scalars."`
	ID          string   `help:"Case instance id (generated when empty)."`
	BusinessKey string   `help:"Business key." name:"business-key"`
	Tenant      string   `help:"Tenant id."`
	User        string   `help:"Start user."`
}

func (c *StartCmd) Run(a *app) error {
	vars, err := parseVars(c.Vars)
	if err != nil {
		return err
	}
	result := cmmn.NewResult[*engine.CaseInstance]()
	ctx := cmmn.ContextWithResult(a.ctx, result)
	err = dispatcher.Dispatch(ctx, a.bus, cmmn.StartCase{
		DefinitionRef:  c.Definition,
		CaseInstanceID: c.ID,
		BusinessKey:    c.BusinessKey,
		TenantID:       c.Tenant,
		StartUser:      c.User,
		Variables:      vars,
	})
	if err != nil {
		return err
	}
	kase, ok := result.Load()
	if !ok || kase == nil {
		return fmt.Errorf("start case %s: no instance returned", c.Definition)
	}
	a.printf("%s\n", kase.ID)
	return nil
}

type TriggerCmd struct {
	PlanItem string `arg:"" name:"plan-item" help:"Plan item instance id, or case-id/definition-id."`
}

func (c *TriggerCmd) Run(a *app) error {
	id, err := a.resolvePlanItem(c.PlanItem)
	if err != nil {
		return err
	}
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.TriggerPlanItem{PlanItemInstanceID: id})
}

type EnableCmd struct {
	PlanItem string `arg:"" name:"plan-item" help:"Plan item instance id, or case-id/definition-id."`
}

func (c *EnableCmd) Run(a *app) error {
	id, err := a.resolvePlanItem(c.PlanItem)
	if err != nil {
		return err
	}
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.EnablePlanItem{PlanItemInstanceID: id})
}

type DisableCmd struct {
	PlanItem string `arg:"" name:"plan-item" help:"Plan item instance id, or case-id/definition-id."`
}

func (c *DisableCmd) Run(a *app) error {
	id, err := a.resolvePlanItem(c.PlanItem)
	if err != nil {
		return err
	}
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.DisablePlanItem{PlanItemInstanceID: id})
}

type ManualStartCmd struct {
	PlanItem string `arg:"" name:"plan-item" help:"Plan item instance id, or case-id/definition-id."`
}

func (c *ManualStartCmd) Run(a *app) error {
	id, err := a.resolvePlanItem(c.PlanItem)
	if err != nil {
		return err
	}
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.StartPlanItem{PlanItemInstanceID: id})
}

type CompleteStageCmd struct {
	PlanItem string `arg:"" name:"plan-item" help:"Plan item instance id, or case-id/definition-id."`
	Force    bool   `help:"Complete even when the stage is not completable."`
}

func (c *CompleteStageCmd) Run(a *app) error {
	id, err := a.resolvePlanItem(c.PlanItem)
	if err != nil {
		return err
	}
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.CompleteStage{StageInstanceID: id, Force: c.Force})
}

type TerminateCmd struct {
	Case string `arg:"" help:"Case instance id."`
}

func (c *TerminateCmd) Run(a *app) error {
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.TerminateCase{CaseInstanceID: c.Case})
}

type BusinessStatusCmd struct {
	Case   string `arg:"" help:"Case instance id."`
	Status string `arg:"" optional:"" help:"New status; empty clears it."`
}

func (c *BusinessStatusCmd) Run(a *app) error {
	return dispatcher.Dispatch(a.ctx, a.bus, cmmn.UpdateBusinessStatus{
		CaseInstanceID: c.Case,
		Status:         c.Status,
	})
}

type SetVarCmd struct {
	Target string   `arg:"" help:"Case instance id, or a plan item with --item."`
	Vars   []string `arg:"" help:"Variables as key=value."`
	Item   bool     `help:"Target is a plan item; variables are local to it."`
}

func (c *SetVarCmd) Run(a *app) error {
	vars, err := parseVars(c.Vars)
	if err != nil {
		return err
	}
	msg := cmmn.SetVariables{Variables: vars}
	if c.Item {
		if msg.PlanItemInstanceID, err = a.resolvePlanItem(c.Target); err != nil {
			return err
		}
	} else {
		msg.CaseInstanceID = c.Target
	}
	return dispatcher.Dispatch(a.ctx, a.bus, msg)
}

type ShowCmd struct {
	Case string `arg:"" optional:"" help:"Case instance id; lists cases when empty."`
	JSON bool   `help:"Print JSON." name:"json"`
}

func (c *ShowCmd) Run(a *app) error {
	if c.Case == "" {
		cases, err := dispatcher.Query[cmmn.ListCases, []*engine.CaseInstance](a.ctx, a.bus, cmmn.ListCases{})
		if err != nil {
			return err
		}
		if c.JSON {
			return a.printJSON(cases)
		}
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEFINITION\tSTATE\tBUSINESS KEY\tSTATUS\tSTARTED")
		for _, kase := range cases {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", kase.ID, kase.DefinitionID, kase.State,
				kase.BusinessKey, kase.BusinessStatus, kase.StartTime.Format(time.RFC3339))
		}
		return w.Flush()
	}

	kase, err := dispatcher.Query[cmmn.GetCase, *engine.CaseInstance](a.ctx, a.bus, cmmn.GetCase{CaseInstanceID: c.Case})
	if err != nil {
		return err
	}
	items, err := dispatcher.Query[cmmn.ListPlanItems, []*engine.PlanItemInstance](a.ctx, a.bus, cmmn.ListPlanItems{CaseInstanceID: c.Case})
	if err != nil {
		return err
	}
	if c.JSON {
		return a.printJSON(struct {
			Case  *engine.CaseInstance       `json:"case"`
			Items []*engine.PlanItemInstance `json:"plan_items"`
		}{kase, items})
	}
	a.printf("case %s (%s) %s", kase.ID, kase.DefinitionID, kase.State)
	if kase.BusinessStatus != "" {
		a.printf(" [%s]", kase.BusinessStatus)
	}
	a.printf("\n")
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tDEFINITION\tTYPE\tSTATE\tSTAGE")
	for _, item := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", item.Seq, item.ID, item.DefinitionID, item.Type, item.State, item.StageInstanceID)
	}
	return w.Flush()
}

type DefinitionsCmd struct{}

func (c *DefinitionsCmd) Run(a *app) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tVERSION\tNAME")
	for _, def := range a.engine.Definitions().List() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", def.ID, def.Key, def.Version, def.Name)
	}
	return w.Flush()
}

type WorkCmd struct {
	For         time.Duration `help:"How long to run." default:"30s"`
	Sweep       string        `help:"Outbox sweep schedule." default:"@every 1s"`
	UntilIdle   bool          `help:"Exit once the outbox is drained and no jobs are pending." name:"until-idle"`
	MetricsAddr string        `help:"Serve prometheus metrics on this address." name:"metrics-addr"`
}

func (c *WorkCmd) Run(a *app) error {
	ctx, cancel := context.WithTimeout(a.ctx, c.For)
	defer cancel()

	if c.MetricsAddr != "" {
		srv := &http.Server{Addr: c.MetricsAddr, Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if _, err := a.scheduler.SweepOutbox(c.Sweep, a.engine); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if !c.UntilIdle {
				continue
			}
			n, err := a.engine.DispatchOutbox(ctx)
			if err != nil {
				a.logger.Warn("outbox dispatch: %v", err)
				continue
			}
			if n == 0 && len(a.scheduler.Pending()) == 0 {
				a.logger.Info("idle, stopping")
				return nil
			}
		}
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseVars reads key=value pairs; values are YAML scalars so numbers and
// booleans keep their type.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("variable %q must be key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
