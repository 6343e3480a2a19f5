package model

import (
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeInvalidDefinition = "CMMN_DEFINITION_INVALID"

// ErrInvalidDefinition marks structural problems found while compiling a definition.
var ErrInvalidDefinition = apperrors.New("invalid case definition", apperrors.CategoryValidation).
	WithTextCode(ErrCodeInvalidDefinition)

// RepetitionRule decides whether a finished plan item spawns a new sibling.
type RepetitionRule struct {
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxInstances int    `json:"max_instances,omitempty" yaml:"max_instances,omitempty"`
}

// OnPart names the plan item and transition a sentry listens to.
type OnPart struct {
	Source string     `json:"source" yaml:"source"`
	Event  Transition `json:"event" yaml:"event"`
}

// Key identifies the onPart inside its sentry.
func (o OnPart) Key() string {
	return o.Source + "#" + string(o.Event)
}

// Sentry combines onParts with an optional boolean guard.
type Sentry struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	OnParts []OnPart `json:"on,omitempty" yaml:"on,omitempty"`
	IfPart  string   `json:"if,omitempty" yaml:"if,omitempty"`
}

// IfOnly reports whether the sentry is gated only by its guard expression.
func (s *Sentry) IfOnly() bool {
	return s != nil && len(s.OnParts) == 0
}

// PlanItemDefinition is the immutable template for plan item instances.
type PlanItemDefinition struct {
	ID                   string                `json:"id" yaml:"id"`
	Name                 string                `json:"name,omitempty" yaml:"name,omitempty"`
	Type                 PlanItemType          `json:"type" yaml:"type"`
	EntryCriteria        []string              `json:"entry_criteria,omitempty" yaml:"entry_criteria,omitempty"`
	ExitCriteria         []string              `json:"exit_criteria,omitempty" yaml:"exit_criteria,omitempty"`
	Repetition           *RepetitionRule       `json:"repetition,omitempty" yaml:"repetition,omitempty"`
	ManualActivation     bool                  `json:"manual_activation,omitempty" yaml:"manual_activation,omitempty"`
	ManualActivationRule string                `json:"manual_activation_rule,omitempty" yaml:"manual_activation_rule,omitempty"`
	Required             bool                  `json:"required,omitempty" yaml:"required,omitempty"`
	RequiredRule         string                `json:"required_rule,omitempty" yaml:"required_rule,omitempty"`
	AutoComplete         bool                  `json:"auto_complete,omitempty" yaml:"auto_complete,omitempty"`
	Async                bool                  `json:"async,omitempty" yaml:"async,omitempty"`
	Action               string                `json:"action,omitempty" yaml:"action,omitempty"`
	CaseRef              string                `json:"case_ref,omitempty" yaml:"case_ref,omitempty"`
	Timer                string                `json:"timer,omitempty" yaml:"timer,omitempty"`
	Children             []*PlanItemDefinition `json:"children,omitempty" yaml:"children,omitempty"`
	Metadata             map[string]any        `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	parent string
}

// Parent returns the id of the containing stage definition, empty for the root.
func (d *PlanItemDefinition) Parent() string {
	if d == nil {
		return ""
	}
	return d.parent
}

// Repeatable reports whether a repetition rule is declared.
func (d *PlanItemDefinition) Repeatable() bool {
	return d != nil && d.Repetition != nil
}

// HasEntryCriteria reports whether activation is gated by sentries.
func (d *PlanItemDefinition) HasEntryCriteria() bool {
	return d != nil && len(d.EntryCriteria) > 0
}

// CriterionKind distinguishes entry from exit criteria.
type CriterionKind string

const (
	CriterionEntry CriterionKind = "entry"
	CriterionExit  CriterionKind = "exit"
)

// CriterionRef points at a sentry attached to a plan item.
type CriterionRef struct {
	PlanItemID string
	SentryID   string
	Kind       CriterionKind
}

// CaseDefinition is a compiled, read-only case template.
type CaseDefinition struct {
	ID       string              `json:"id,omitempty" yaml:"id,omitempty"`
	Key      string              `json:"key" yaml:"key"`
	Name     string              `json:"name,omitempty" yaml:"name,omitempty"`
	Version  int                 `json:"version,omitempty" yaml:"version,omitempty"`
	TenantID string              `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Plan     *PlanItemDefinition `json:"plan" yaml:"plan"`
	Sentries []*Sentry           `json:"sentries,omitempty" yaml:"sentries,omitempty"`

	compiled  bool
	items     map[string]*PlanItemDefinition
	order     []string
	sentries  map[string]*Sentry
	listeners map[string][]CriterionRef
	gated     map[string][]CriterionRef
}

// Compiled reports whether Compile succeeded on the definition.
func (c *CaseDefinition) Compiled() bool {
	return c != nil && c.compiled
}

// Root returns the root stage definition.
func (c *CaseDefinition) Root() *PlanItemDefinition {
	if c == nil {
		return nil
	}
	return c.Plan
}

// PlanItem returns a plan item definition by id.
func (c *CaseDefinition) PlanItem(id string) (*PlanItemDefinition, bool) {
	if c == nil {
		return nil, false
	}
	def, ok := c.items[id]
	return def, ok
}

// PlanItems returns all definitions in declaration (depth-first) order.
func (c *CaseDefinition) PlanItems() []*PlanItemDefinition {
	if c == nil {
		return nil
	}
	out := make([]*PlanItemDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Sentry returns a sentry by id.
func (c *CaseDefinition) Sentry(id string) (*Sentry, bool) {
	if c == nil {
		return nil, false
	}
	s, ok := c.sentries[id]
	return s, ok
}

// CriteriaTriggeredBy lists criteria with an onPart matching source and event.
func (c *CaseDefinition) CriteriaTriggeredBy(source string, event Transition) []CriterionRef {
	if c == nil {
		return nil
	}
	refs := c.listeners[source+"#"+string(event)]
	out := make([]CriterionRef, len(refs))
	copy(out, refs)
	return out
}

// CriteriaOf lists entry and exit criteria attached to a plan item.
func (c *CaseDefinition) CriteriaOf(planItemID string) []CriterionRef {
	if c == nil {
		return nil
	}
	refs := c.gated[planItemID]
	out := make([]CriterionRef, len(refs))
	copy(out, refs)
	return out
}

// Compile validates the definition and builds its lookup indexes.
// A compiled definition must be treated as immutable.
func (c *CaseDefinition) Compile() error {
	if c == nil {
		return invalidDefinition("definition is nil", nil)
	}
	c.Key = strings.TrimSpace(c.Key)
	if c.Key == "" {
		return invalidDefinition("definition key is required", nil)
	}
	if c.Plan == nil {
		return invalidDefinition("definition plan is required", map[string]any{"key": c.Key})
	}
	if c.Plan.Type == "" {
		c.Plan.Type = TypeStage
	}
	if strings.TrimSpace(c.Plan.ID) == "" {
		c.Plan.ID = c.Key
	}
	if !c.Plan.Type.IsContainer() {
		return invalidDefinition("root plan item must be a stage", map[string]any{"key": c.Key, "plan_item": c.Plan.ID})
	}
	if len(c.Plan.EntryCriteria) > 0 {
		return invalidDefinition("root stage cannot declare entry criteria", map[string]any{"key": c.Key})
	}

	c.items = make(map[string]*PlanItemDefinition)
	c.order = nil
	c.sentries = make(map[string]*Sentry, len(c.Sentries))
	c.listeners = make(map[string][]CriterionRef)
	c.gated = make(map[string][]CriterionRef)

	for idx, s := range c.Sentries {
		if s == nil || strings.TrimSpace(s.ID) == "" {
			return invalidDefinition(fmt.Sprintf("sentry[%d] id is required", idx), map[string]any{"key": c.Key})
		}
		if _, dup := c.sentries[s.ID]; dup {
			return invalidDefinition("duplicate sentry id", map[string]any{"key": c.Key, "sentry": s.ID})
		}
		if len(s.OnParts) == 0 && strings.TrimSpace(s.IfPart) == "" {
			return invalidDefinition("sentry requires an onPart or an ifPart", map[string]any{"key": c.Key, "sentry": s.ID})
		}
		for i := range s.OnParts {
			s.OnParts[i].Event = NormalizeTransition(string(s.OnParts[i].Event))
		}
		c.sentries[s.ID] = s
	}

	if err := c.indexItems(); err != nil {
		return err
	}

	for _, id := range c.order {
		def := c.items[id]
		if err := c.validateItem(def); err != nil {
			return err
		}
		if err := c.indexCriteria(def, def.EntryCriteria, CriterionEntry); err != nil {
			return err
		}
		if err := c.indexCriteria(def, def.ExitCriteria, CriterionExit); err != nil {
			return err
		}
	}

	if c.ID == "" {
		version := c.Version
		if version <= 0 {
			version = 1
		}
		c.ID = fmt.Sprintf("%s:%d", c.Key, version)
	}
	c.compiled = true
	return nil
}

// indexItems walks the containment tree iteratively so that deep plans never
// exhaust the stack; a definition reachable twice is rejected as a cycle.
func (c *CaseDefinition) indexItems() error {
	type frame struct {
		def    *PlanItemDefinition
		parent string
	}
	stack := []frame{{def: c.Plan}}
	visited := make(map[*PlanItemDefinition]bool)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		def := top.def
		if def == nil {
			return invalidDefinition("nil plan item", map[string]any{"key": c.Key, "parent": top.parent})
		}
		if visited[def] {
			return invalidDefinition("containment cycle detected", map[string]any{"key": c.Key, "plan_item": def.ID})
		}
		visited[def] = true
		def.ID = strings.TrimSpace(def.ID)
		if def.ID == "" {
			return invalidDefinition("plan item id is required", map[string]any{"key": c.Key, "parent": top.parent})
		}
		if _, dup := c.items[def.ID]; dup {
			return invalidDefinition("duplicate plan item id", map[string]any{"key": c.Key, "plan_item": def.ID})
		}
		def.parent = top.parent
		c.items[def.ID] = def
		c.order = append(c.order, def.ID)
		for i := len(def.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{def: def.Children[i], parent: def.ID})
		}
	}
	return nil
}

func (c *CaseDefinition) validateItem(def *PlanItemDefinition) error {
	fields := map[string]any{"key": c.Key, "plan_item": def.ID, "type": string(def.Type)}
	if !def.Type.Valid() {
		return invalidDefinition("unknown plan item type", fields)
	}
	if len(def.Children) > 0 && !def.Type.IsContainer() {
		return invalidDefinition("only stages can contain plan items", fields)
	}
	switch def.Type {
	case TypeServiceTask:
		if strings.TrimSpace(def.Action) == "" {
			return invalidDefinition("service task requires an action", fields)
		}
	case TypeCaseTask:
		if strings.TrimSpace(def.CaseRef) == "" {
			return invalidDefinition("case task requires a case reference", fields)
		}
	case TypeTimerEventListener:
		if strings.TrimSpace(def.Timer) == "" {
			return invalidDefinition("timer event listener requires a timer expression", fields)
		}
	}
	if def.Async && !def.Type.IsTask() {
		return invalidDefinition("only tasks can activate asynchronously", fields)
	}
	if def.Repetition != nil && def.Repetition.MaxInstances < 0 {
		return invalidDefinition("repetition max instances must be positive", fields)
	}
	if def.Repetition != nil && !def.HasEntryCriteria() && strings.TrimSpace(def.Repetition.Condition) == "" {
		// an unconditional repeat with nothing to gate it would respawn forever
		if def.Repetition.MaxInstances == 0 {
			return invalidDefinition("unconditional repetition without entry criteria needs max_instances", fields)
		}
	}
	return nil
}

func (c *CaseDefinition) indexCriteria(def *PlanItemDefinition, sentryIDs []string, kind CriterionKind) error {
	for _, sid := range sentryIDs {
		s, ok := c.sentries[sid]
		if !ok {
			return invalidDefinition("unknown sentry reference", map[string]any{
				"key": c.Key, "plan_item": def.ID, "sentry": sid, "criterion": string(kind),
			})
		}
		ref := CriterionRef{PlanItemID: def.ID, SentryID: sid, Kind: kind}
		c.gated[def.ID] = append(c.gated[def.ID], ref)
		for _, part := range s.OnParts {
			if _, ok := c.items[part.Source]; !ok {
				return invalidDefinition("onPart references unknown plan item", map[string]any{
					"key": c.Key, "sentry": sid, "source": part.Source,
				})
			}
			if !IsKnownTransition(part.Event) {
				return invalidDefinition("onPart references unknown transition", map[string]any{
					"key": c.Key, "sentry": sid, "event": string(part.Event),
				})
			}
			c.listeners[part.Key()] = append(c.listeners[part.Key()], ref)
		}
	}
	return nil
}

func invalidDefinition(message string, metadata map[string]any) *apperrors.Error {
	err := ErrInvalidDefinition.Clone()
	err.Message = message
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
