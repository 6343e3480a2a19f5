package cmmn

// StartCase creates a case instance from a deployed definition.
type StartCase struct {
	// DefinitionRef is a definition id or key; keys resolve to the latest version.
	DefinitionRef  string         `json:"definition_ref"`
	CaseInstanceID string         `json:"case_instance_id,omitempty"`
	BusinessKey    string         `json:"business_key,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	StartUser      string         `json:"start_user,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
}

func (StartCase) Type() string { return "cmmn.start_case" }

func (m StartCase) Validate() error {
	return required(m.Type(), "definition_ref", m.DefinitionRef)
}

// TriggerPlanItem occurs a user event listener or completes an active item.
type TriggerPlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (TriggerPlanItem) Type() string { return "cmmn.trigger_plan_item" }

func (m TriggerPlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

type EnablePlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (EnablePlanItem) Type() string { return "cmmn.enable_plan_item" }

func (m EnablePlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

type DisablePlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (DisablePlanItem) Type() string { return "cmmn.disable_plan_item" }

func (m DisablePlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

// StartPlanItem manually starts an ENABLED item.
type StartPlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (StartPlanItem) Type() string { return "cmmn.start_plan_item" }

func (m StartPlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

type SuspendPlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (SuspendPlanItem) Type() string { return "cmmn.suspend_plan_item" }

func (m SuspendPlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

type ResumePlanItem struct {
	PlanItemInstanceID string `json:"plan_item_instance_id"`
}

func (ResumePlanItem) Type() string { return "cmmn.resume_plan_item" }

func (m ResumePlanItem) Validate() error {
	return required(m.Type(), "plan_item_instance_id", m.PlanItemInstanceID)
}

// CompleteStage completes a stage; Force skips the completability check.
type CompleteStage struct {
	StageInstanceID string `json:"stage_instance_id"`
	Force           bool   `json:"force,omitempty"`
}

func (CompleteStage) Type() string { return "cmmn.complete_stage" }

func (m CompleteStage) Validate() error {
	return required(m.Type(), "stage_instance_id", m.StageInstanceID)
}

type TerminateCase struct {
	CaseInstanceID string `json:"case_instance_id"`
}

func (TerminateCase) Type() string { return "cmmn.terminate_case" }

func (m TerminateCase) Validate() error {
	return required(m.Type(), "case_instance_id", m.CaseInstanceID)
}

type UpdateBusinessStatus struct {
	CaseInstanceID string `json:"case_instance_id"`
	Status         string `json:"status"`
}

func (UpdateBusinessStatus) Type() string { return "cmmn.update_business_status" }

func (m UpdateBusinessStatus) Validate() error {
	return required(m.Type(), "case_instance_id", m.CaseInstanceID)
}

// SetVariables merges variables into the case, or into one plan item when
// PlanItemInstanceID is set.
type SetVariables struct {
	CaseInstanceID     string         `json:"case_instance_id,omitempty"`
	PlanItemInstanceID string         `json:"plan_item_instance_id,omitempty"`
	Variables          map[string]any `json:"variables"`
}

func (SetVariables) Type() string { return "cmmn.set_variables" }

func (m SetVariables) Validate() error {
	if m.CaseInstanceID == "" && m.PlanItemInstanceID == "" {
		return invalid(m.Type(), "case_instance_id", "or plan_item_instance_id is required")
	}
	if len(m.Variables) == 0 {
		return invalid(m.Type(), "variables", "must not be empty")
	}
	return nil
}

// GetCase loads one case instance.
type GetCase struct {
	CaseInstanceID string `json:"case_instance_id"`
}

func (GetCase) Type() string { return "cmmn.get_case" }

func (m GetCase) Validate() error {
	return required(m.Type(), "case_instance_id", m.CaseInstanceID)
}

// ListPlanItems lists the plan items of one case in creation order.
type ListPlanItems struct {
	CaseInstanceID string `json:"case_instance_id"`
}

func (ListPlanItems) Type() string { return "cmmn.list_plan_items" }

func (m ListPlanItems) Validate() error {
	return required(m.Type(), "case_instance_id", m.CaseInstanceID)
}

type ListCases struct{}

func (ListCases) Type() string { return "cmmn.list_cases" }

func (ListCases) Validate() error { return nil }
