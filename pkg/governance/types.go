package governance

// Default ceilings applied when an agent type has no explicit configuration.
// Each limit is independently tunable per agent via config.
const (
	DefaultMaxSteps                 = 8
	DefaultMaxModelCalls            = 5
	DefaultMaxToolCalls             = 6
	DefaultConfidenceThreshold      = 0.7
	DefaultMaxClarificationAttempts = 2
	DefaultMaxInputLength           = 10000
)

// BudgetKind identifies one of the tracked resource budgets.
type BudgetKind string

const (
	BudgetSteps      BudgetKind = "steps"
	BudgetModelCalls BudgetKind = "model_calls"
	BudgetToolCalls  BudgetKind = "tool_calls"
)

// Reason classifies why a workflow was handed off to a human.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonBudgetExceeded        Reason = "budget_exceeded"
	ReasonStepBudgetExceeded    Reason = "step_budget_exceeded"
	ReasonModelBudgetExceeded   Reason = "model_budget_exceeded"
	ReasonToolBudgetExceeded    Reason = "tool_budget_exceeded"
	ReasonSecurityViolation     Reason = "security_violation"
	ReasonPromptInjection       Reason = "prompt_injection"
	ReasonPIIDetected           Reason = "pii_detected"
	ReasonLowConfidence         Reason = "low_confidence"
	ReasonHumanRejected         Reason = "human_rejected"
	ReasonToolFailure           Reason = "tool_failure"
	ReasonModelFailure          Reason = "model_failure"
	ReasonAllSourcesFailed      Reason = "all_sources_failed"
	ReasonClarificationExceeded Reason = "clarification_exhausted"
	ReasonOther                 Reason = "other"
)

// knownReasons is the set of reasons the handler accepts as-is.
// Anything else degrades to ReasonOther rather than failing.
var knownReasons = map[Reason]struct{}{
	ReasonBudgetExceeded:        {},
	ReasonStepBudgetExceeded:    {},
	ReasonModelBudgetExceeded:   {},
	ReasonToolBudgetExceeded:    {},
	ReasonSecurityViolation:     {},
	ReasonPromptInjection:       {},
	ReasonPIIDetected:           {},
	ReasonLowConfidence:         {},
	ReasonHumanRejected:         {},
	ReasonToolFailure:           {},
	ReasonModelFailure:          {},
	ReasonAllSourcesFailed:      {},
	ReasonClarificationExceeded: {},
	ReasonOther:                 {},
}

// Known reports whether r is a recognized escalation reason.
func (r Reason) Known() bool {
	_, ok := knownReasons[r]
	return ok
}

// String returns the wire form of the reason.
func (r Reason) String() string {
	return string(r)
}

// Limits holds the per-request resource ceilings.
type Limits struct {
	MaxSteps      int `json:"max_steps" yaml:"max_steps"`
	MaxModelCalls int `json:"max_model_calls" yaml:"max_model_calls"`
	MaxToolCalls  int `json:"max_tool_calls" yaml:"max_tool_calls"`
}

// DefaultLimits returns the default budget ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:      DefaultMaxSteps,
		MaxModelCalls: DefaultMaxModelCalls,
		MaxToolCalls:  DefaultMaxToolCalls,
	}
}

// Valid reports whether every ceiling is positive.
func (l Limits) Valid() bool {
	return l.MaxSteps > 0 && l.MaxModelCalls > 0 && l.MaxToolCalls > 0
}
