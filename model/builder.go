package model

// Builder assembles a CaseDefinition in code.
type Builder struct {
	def *CaseDefinition
}

// NewCase starts a definition with the given key. The root stage id defaults to the key.
func NewCase(key string) *Builder {
	return &Builder{
		def: &CaseDefinition{
			Key:  key,
			Plan: &PlanItemDefinition{ID: key, Type: TypeStage},
		},
	}
}

// Named sets the display name.
func (b *Builder) Named(name string) *Builder {
	b.def.Name = name
	return b
}

// Version pins the definition version.
func (b *Builder) Version(v int) *Builder {
	b.def.Version = v
	return b
}

// Tenant sets the tenant id.
func (b *Builder) Tenant(id string) *Builder {
	b.def.TenantID = id
	return b
}

// Plan returns the root stage builder.
func (b *Builder) Plan() *ItemBuilder {
	return &ItemBuilder{item: b.def.Plan, root: b}
}

// Sentry declares a sentry on the case.
func (b *Builder) Sentry(id string) *SentryBuilder {
	s := &Sentry{ID: id}
	b.def.Sentries = append(b.def.Sentries, s)
	return &SentryBuilder{sentry: s, root: b}
}

// Build compiles and returns the definition.
func (b *Builder) Build() (*CaseDefinition, error) {
	if err := b.def.Compile(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild is Build that panics on error. Intended for tests and fixtures.
func (b *Builder) MustBuild() *CaseDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// ItemBuilder configures one plan item definition.
type ItemBuilder struct {
	item *PlanItemDefinition
	root *Builder
}

// Definition exposes the plan item being built.
func (i *ItemBuilder) Definition() *PlanItemDefinition {
	return i.item
}

func (i *ItemBuilder) child(id string, typ PlanItemType) *ItemBuilder {
	c := &PlanItemDefinition{ID: id, Type: typ}
	i.item.Children = append(i.item.Children, c)
	return &ItemBuilder{item: c, root: i.root}
}

func (i *ItemBuilder) Stage(id string) *ItemBuilder     { return i.child(id, TypeStage) }
func (i *ItemBuilder) Fragment(id string) *ItemBuilder  { return i.child(id, TypePlanFragment) }
func (i *ItemBuilder) HumanTask(id string) *ItemBuilder { return i.child(id, TypeHumanTask) }
func (i *ItemBuilder) Milestone(id string) *ItemBuilder { return i.child(id, TypeMilestone) }
func (i *ItemBuilder) UserEvent(id string) *ItemBuilder { return i.child(id, TypeUserEventListener) }

// ServiceTask adds a task that runs the named action on activation.
func (i *ItemBuilder) ServiceTask(id, action string) *ItemBuilder {
	c := i.child(id, TypeServiceTask)
	c.item.Action = action
	return c
}

// CaseTask adds a task that starts a child case of the referenced definition key.
func (i *ItemBuilder) CaseTask(id, caseRef string) *ItemBuilder {
	c := i.child(id, TypeCaseTask)
	c.item.CaseRef = caseRef
	return c
}

// Timer adds a timer event listener; expr is a cron expression or a Go duration.
func (i *ItemBuilder) Timer(id, expr string) *ItemBuilder {
	c := i.child(id, TypeTimerEventListener)
	c.item.Timer = expr
	return c
}

func (i *ItemBuilder) Named(name string) *ItemBuilder {
	i.item.Name = name
	return i
}

func (i *ItemBuilder) Required() *ItemBuilder {
	i.item.Required = true
	return i
}

func (i *ItemBuilder) RequiredRule(expr string) *ItemBuilder {
	i.item.RequiredRule = expr
	return i
}

func (i *ItemBuilder) Manual() *ItemBuilder {
	i.item.ManualActivation = true
	return i
}

func (i *ItemBuilder) ManualRule(expr string) *ItemBuilder {
	i.item.ManualActivationRule = expr
	return i
}

// Repeat attaches a repetition rule. An empty condition repeats unconditionally.
func (i *ItemBuilder) Repeat(condition string) *ItemBuilder {
	if i.item.Repetition == nil {
		i.item.Repetition = &RepetitionRule{}
	}
	i.item.Repetition.Condition = condition
	return i
}

func (i *ItemBuilder) RepeatMax(n int) *ItemBuilder {
	if i.item.Repetition == nil {
		i.item.Repetition = &RepetitionRule{}
	}
	i.item.Repetition.MaxInstances = n
	return i
}

func (i *ItemBuilder) Entry(sentryIDs ...string) *ItemBuilder {
	i.item.EntryCriteria = append(i.item.EntryCriteria, sentryIDs...)
	return i
}

func (i *ItemBuilder) Exit(sentryIDs ...string) *ItemBuilder {
	i.item.ExitCriteria = append(i.item.ExitCriteria, sentryIDs...)
	return i
}

func (i *ItemBuilder) Async() *ItemBuilder {
	i.item.Async = true
	return i
}

func (i *ItemBuilder) AutoComplete() *ItemBuilder {
	i.item.AutoComplete = true
	return i
}

func (i *ItemBuilder) Meta(key string, value any) *ItemBuilder {
	if i.item.Metadata == nil {
		i.item.Metadata = make(map[string]any)
	}
	i.item.Metadata[key] = value
	return i
}

// Case returns to the case builder.
func (i *ItemBuilder) Case() *Builder {
	return i.root
}

// SentryBuilder configures one sentry.
type SentryBuilder struct {
	sentry *Sentry
	root   *Builder
}

// On adds an onPart listening for event on source.
func (s *SentryBuilder) On(source string, event Transition) *SentryBuilder {
	s.sentry.OnParts = append(s.sentry.OnParts, OnPart{Source: source, Event: event})
	return s
}

// If sets the guard expression.
func (s *SentryBuilder) If(expr string) *SentryBuilder {
	s.sentry.IfPart = expr
	return s
}

// Case returns to the case builder.
func (s *SentryBuilder) Case() *Builder {
	return s.root
}
