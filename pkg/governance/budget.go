package governance

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/odvcencio/warden/pkg/telemetry"
)

// ErrInvalidLimits is returned when a budget ceiling is zero or negative.
var ErrInvalidLimits = errors.New("budget limits must be positive")

// BudgetSnapshot is a serializable view of tracker state, attached to
// escalation context and workflow results.
type BudgetSnapshot struct {
	Limits      Limits `json:"limits"`
	Steps       int    `json:"steps_used"`
	ModelCalls  int    `json:"model_calls_used"`
	ToolCalls   int    `json:"tool_calls_used"`
	ExceededVia Reason `json:"exceeded_via,omitempty"`
}

// BudgetTracker counts consumed steps, model calls, and tool calls against
// fixed ceilings. Counters only grow; a tracker is scoped to a single
// request and never reset or shared across requests.
type BudgetTracker struct {
	limits Limits
	sink   telemetry.Sink

	steps      atomic.Int64
	modelCalls atomic.Int64
	toolCalls  atomic.Int64
}

// NewBudgetTracker creates a tracker for one request. Every ceiling must
// be positive. A nil sink disables telemetry.
func NewBudgetTracker(limits Limits, sink telemetry.Sink) (*BudgetTracker, error) {
	if !limits.Valid() {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidLimits, limits)
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &BudgetTracker{limits: limits, sink: sink}, nil
}

// RecordStep counts one orchestrator step. Call at most once per logical step.
func (b *BudgetTracker) RecordStep() {
	b.steps.Add(1)
	b.emitRemaining(BudgetSteps)
}

// RecordModelCall counts one model invocation.
func (b *BudgetTracker) RecordModelCall() {
	b.modelCalls.Add(1)
	b.emitRemaining(BudgetModelCalls)
}

// RecordToolCall counts one tool invocation.
func (b *BudgetTracker) RecordToolCall() {
	b.toolCalls.Add(1)
	b.emitRemaining(BudgetToolCalls)
}

// Used returns the consumed count for a budget kind.
func (b *BudgetTracker) Used(kind BudgetKind) int {
	switch kind {
	case BudgetSteps:
		return int(b.steps.Load())
	case BudgetModelCalls:
		return int(b.modelCalls.Load())
	case BudgetToolCalls:
		return int(b.toolCalls.Load())
	default:
		return 0
	}
}

func (b *BudgetTracker) limit(kind BudgetKind) int {
	switch kind {
	case BudgetSteps:
		return b.limits.MaxSteps
	case BudgetModelCalls:
		return b.limits.MaxModelCalls
	case BudgetToolCalls:
		return b.limits.MaxToolCalls
	default:
		return 0
	}
}

// Remaining returns how much of the budget is left, clamped at zero.
func (b *BudgetTracker) Remaining(kind BudgetKind) int {
	remaining := b.limit(kind) - b.Used(kind)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exceeded reports whether any budget has reached its ceiling.
// A budget is exhausted the moment used == ceiling.
func (b *BudgetTracker) Exceeded() bool {
	return b.ExceededReason() != ReasonNone
}

// ExceededReason returns the most specific exhausted-budget reason, or
// ReasonNone. Steps are checked first, then model calls, then tool calls.
func (b *BudgetTracker) ExceededReason() Reason {
	if b.Used(BudgetSteps) >= b.limits.MaxSteps {
		return ReasonStepBudgetExceeded
	}
	if b.Used(BudgetModelCalls) >= b.limits.MaxModelCalls {
		return ReasonModelBudgetExceeded
	}
	if b.Used(BudgetToolCalls) >= b.limits.MaxToolCalls {
		return ReasonToolBudgetExceeded
	}
	return ReasonNone
}

// Allow reports whether another unit of the given kind may be consumed,
// and emits a budget check metric tagged with the outcome. A denied check
// means the caller must not issue the call at all.
func (b *BudgetTracker) Allow(kind BudgetKind) bool {
	allowed := b.Remaining(kind) > 0
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	b.sink.Count(telemetry.MetricBudgetChecks, 1, telemetry.Labels{
		telemetry.TagBudgetType: string(kind),
		telemetry.TagResult:     result,
	})
	return allowed
}

// Snapshot returns the current state for escalation context and results.
func (b *BudgetTracker) Snapshot() BudgetSnapshot {
	return BudgetSnapshot{
		Limits:      b.limits,
		Steps:       b.Used(BudgetSteps),
		ModelCalls:  b.Used(BudgetModelCalls),
		ToolCalls:   b.Used(BudgetToolCalls),
		ExceededVia: b.ExceededReason(),
	}
}

// Limits returns the configured ceilings.
func (b *BudgetTracker) Limits() Limits {
	return b.limits
}

func (b *BudgetTracker) emitRemaining(kind BudgetKind) {
	b.sink.SetGauge(telemetry.MetricBudgetRemaining, int64(b.Remaining(kind)), telemetry.Labels{
		telemetry.TagBudgetType: string(kind),
	})
}
