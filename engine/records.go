package engine

import (
	"time"

	"github.com/goliatone/go-cmmn/model"
)

// CaseInstance is one running execution of a case definition.
type CaseInstance struct {
	ID               string         `json:"id"`
	DefinitionID     string         `json:"definition_id"`
	DefinitionKey    string         `json:"definition_key"`
	State            CaseState      `json:"state"`
	StartTime        time.Time      `json:"start_time"`
	StartUser        string         `json:"start_user,omitempty"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	ParentCaseID     string         `json:"parent_case_id,omitempty"`
	ParentPlanItemID string         `json:"parent_plan_item_id,omitempty"`
	CallbackID       string         `json:"callback_id,omitempty"`
	CallbackType     string         `json:"callback_type,omitempty"`
	BusinessKey      string         `json:"business_key,omitempty"`
	BusinessStatus   string         `json:"business_status,omitempty"`
	TenantID         string         `json:"tenant_id,omitempty"`
	Completable      bool           `json:"completable"`
	Variables        map[string]any `json:"variables,omitempty"`
	// PlanItemSeq is the last creation sequence handed to a plan item of this case.
	PlanItemSeq int       `json:"plan_item_seq"`
	Revision    int       `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PlanItemInstance is one instance of a plan item definition inside a case.
type PlanItemInstance struct {
	ID              string             `json:"id"`
	CaseInstanceID  string             `json:"case_instance_id"`
	StageInstanceID string             `json:"stage_instance_id,omitempty"`
	DefinitionID    string             `json:"definition_id"`
	Name            string             `json:"name,omitempty"`
	Type            model.PlanItemType `json:"type"`
	State           PlanItemState      `json:"state"`
	// Seq is the per-case creation order, used for deterministic iteration.
	Seq            int            `json:"seq"`
	Iteration      int            `json:"iteration"`
	ReferenceID    string         `json:"reference_id,omitempty"`
	ReferenceType  string         `json:"reference_type,omitempty"`
	LocalVariables map[string]any `json:"local_variables,omitempty"`
	Completable    bool           `json:"completable"`
	JobID          string         `json:"job_id,omitempty"`
	RetriesLeft    int            `json:"retries_left,omitempty"`
	LastError      string         `json:"last_error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	AvailableAt  *time.Time `json:"available_at,omitempty"`
	EnabledAt    *time.Time `json:"enabled_at,omitempty"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	SuspendedAt  *time.Time `json:"suspended_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`

	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SentryPartInstance records that one onPart of a sentry fired for a gated plan item instance.
type SentryPartInstance struct {
	CaseInstanceID     string    `json:"case_instance_id"`
	PlanItemInstanceID string    `json:"plan_item_instance_id"`
	SentryID           string    `json:"sentry_id"`
	OnPart             string    `json:"on_part"`
	FiredAt            time.Time `json:"fired_at"`
}

// Key identifies the part record.
func (p SentryPartInstance) Key() string {
	return p.PlanItemInstanceID + "/" + p.SentryID + "/" + p.OnPart
}

// OutboxEntry is a follow-up written in the same commit as the cascade that produced it.
type OutboxEntry struct {
	ID             string         `json:"id"`
	CaseInstanceID string         `json:"case_instance_id"`
	Topic          string         `json:"topic"`
	Payload        []byte         `json:"payload,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	LeaseOwner     string         `json:"lease_owner,omitempty"`
	LeaseUntil     time.Time      `json:"lease_until,omitempty"`
	RetryAt        time.Time      `json:"retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

const (
	OutboxStatusPending   = "pending"
	OutboxStatusLeased    = "leased"
	OutboxStatusCompleted = "completed"
)

// CloneCase returns a deep copy of rec.
func CloneCase(rec *CaseInstance) *CaseInstance {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Variables = copyMap(rec.Variables)
	cp.EndTime = copyTime(rec.EndTime)
	return &cp
}

// ClonePlanItem returns a deep copy of rec.
func ClonePlanItem(rec *PlanItemInstance) *PlanItemInstance {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.LocalVariables = copyMap(rec.LocalVariables)
	cp.AvailableAt = copyTime(rec.AvailableAt)
	cp.EnabledAt = copyTime(rec.EnabledAt)
	cp.DisabledAt = copyTime(rec.DisabledAt)
	cp.StartedAt = copyTime(rec.StartedAt)
	cp.SuspendedAt = copyTime(rec.SuspendedAt)
	cp.CompletedAt = copyTime(rec.CompletedAt)
	cp.TerminatedAt = copyTime(rec.TerminatedAt)
	cp.FailedAt = copyTime(rec.FailedAt)
	cp.EndedAt = copyTime(rec.EndedAt)
	return &cp
}

// CloneOutboxEntry returns a deep copy of entry.
func CloneOutboxEntry(entry OutboxEntry) OutboxEntry {
	cp := entry
	cp.Payload = append([]byte(nil), entry.Payload...)
	cp.Metadata = copyMap(entry.Metadata)
	cp.ProcessedAt = copyTime(entry.ProcessedAt)
	return cp
}

// IsClaimableOutboxEntry reports whether entry can be leased at now.
func IsClaimableOutboxEntry(entry OutboxEntry, now time.Time) bool {
	switch entry.Status {
	case OutboxStatusCompleted:
		return false
	case OutboxStatusLeased:
		if !entry.LeaseUntil.IsZero() && entry.LeaseUntil.After(now) {
			return false
		}
	}
	if !entry.RetryAt.IsZero() && entry.RetryAt.After(now) {
		return false
	}
	return true
}

// CheckRevision applies the optimistic-lock rule shared by all stores: a missing record
// expects revision 0, an existing one must match. It returns the next revision.
func CheckRevision(current, expected int, exists bool) (int, error) {
	if expected < 0 {
		expected = 0
	}
	if !exists {
		if expected != 0 {
			return 0, ErrStateVersionConflict
		}
		return 1, nil
	}
	if current != expected {
		return 0, ErrStateVersionConflict
	}
	return expected + 1, nil
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
