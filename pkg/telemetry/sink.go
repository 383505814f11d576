package telemetry

// Governance metric names. Every emission carries the base tags
// (service, team, agent_type, env) plus metric-specific tags.
const (
	MetricBudgetChecks       = "governance_budget_checks_total"
	MetricBudgetRemaining    = "governance_budget_remaining"
	MetricEscalations        = "governance_escalations_total"
	MetricApprovalsRequested = "governance_approvals_requested_total"
	MetricApprovalDecisions  = "governance_approval_decisions_total"
	MetricApprovalLatency    = "governance_approval_latency_seconds"
	MetricSecurityChecks     = "governance_security_checks_total"
	MetricQualityChecks      = "governance_quality_checks_total"
	MetricWorkflowRuns       = "workflow_runs_total"
	MetricStageDuration      = "workflow_stage_duration_seconds"
	MetricToolCalls          = "workflow_tool_calls_total"
	MetricModelCalls         = "workflow_model_calls_total"
)

// Common tag keys.
const (
	TagService    = "service"
	TagTeam       = "team"
	TagAgentType  = "agent_type"
	TagEnv        = "env"
	TagBudgetType = "budget_type"
	TagReason     = "reason"
	TagActionType = "action_type"
	TagDecision   = "decision"
	TagCheckType  = "check_type"
	TagResult     = "result"
	TagStage      = "stage"
	TagToolName   = "tool_name"
)

// Sink receives metric emissions. Implementations must be safe for
// concurrent use and must never block or fail the caller.
type Sink interface {
	Count(name string, delta int64, tags Labels)
	SetGauge(name string, value int64, tags Labels)
	Observe(name string, seconds float64, tags Labels)
}

// RegistrySink records emissions into a Registry. It is the in-process
// implementation used by tests and by the JSON metrics export.
type RegistrySink struct {
	registry *Registry
}

// NewRegistrySink creates a sink backed by the given registry.
// A nil registry gets a fresh one.
func NewRegistrySink(registry *Registry) *RegistrySink {
	if registry == nil {
		registry = NewRegistry()
	}
	return &RegistrySink{registry: registry}
}

// Registry returns the backing registry.
func (s *RegistrySink) Registry() *Registry {
	return s.registry
}

// Count adds delta to the named counter.
func (s *RegistrySink) Count(name string, delta int64, tags Labels) {
	if s == nil {
		return
	}
	s.registry.RegisterCounter(name, tags).Add(delta)
}

// SetGauge sets the named gauge.
func (s *RegistrySink) SetGauge(name string, value int64, tags Labels) {
	if s == nil {
		return
	}
	s.registry.RegisterGauge(name, tags).Set(value)
}

// Observe records a histogram observation in seconds.
func (s *RegistrySink) Observe(name string, seconds float64, tags Labels) {
	if s == nil {
		return
	}
	s.registry.RegisterHistogram(name, tags, nil).Observe(seconds)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Count(string, int64, Labels)     {}
func (NopSink) SetGauge(string, int64, Labels)  {}
func (NopSink) Observe(string, float64, Labels) {}

// MultiSink fans out each emission to every child sink.
type MultiSink []Sink

func (m MultiSink) Count(name string, delta int64, tags Labels) {
	for _, s := range m {
		s.Count(name, delta, tags)
	}
}

func (m MultiSink) SetGauge(name string, value int64, tags Labels) {
	for _, s := range m {
		s.SetGauge(name, value, tags)
	}
}

func (m MultiSink) Observe(name string, seconds float64, tags Labels) {
	for _, s := range m {
		s.Observe(name, seconds, tags)
	}
}

// taggedSink merges a fixed base tag set into every emission.
type taggedSink struct {
	inner Sink
	base  Labels
}

// WithBaseTags wraps a sink so every emission carries the given tags.
// Per-emission tags win on key collision.
func WithBaseTags(inner Sink, base Labels) Sink {
	if inner == nil {
		inner = NopSink{}
	}
	if len(base) == 0 {
		return inner
	}
	return &taggedSink{inner: inner, base: base}
}

func (t *taggedSink) Count(name string, delta int64, tags Labels) {
	t.inner.Count(name, delta, t.base.Merge(tags))
}

func (t *taggedSink) SetGauge(name string, value int64, tags Labels) {
	t.inner.SetGauge(name, value, t.base.Merge(tags))
}

func (t *taggedSink) Observe(name string, seconds float64, tags Labels) {
	t.inner.Observe(name, seconds, t.base.Merge(tags))
}
