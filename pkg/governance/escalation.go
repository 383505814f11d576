package governance

import (
	"time"

	"github.com/odvcencio/warden/pkg/telemetry"
)

// defaultMessages maps each reason to its stock operator message.
var defaultMessages = map[Reason]string{
	ReasonBudgetExceeded:        "Resource budget exceeded",
	ReasonStepBudgetExceeded:    "Maximum workflow steps exceeded",
	ReasonModelBudgetExceeded:   "Maximum LLM calls exceeded",
	ReasonToolBudgetExceeded:    "Maximum tool calls exceeded",
	ReasonLowConfidence:         "Confidence below threshold",
	ReasonSecurityViolation:     "Security validation failed",
	ReasonPromptInjection:       "Prompt injection detected",
	ReasonPIIDetected:           "PII detected in input",
	ReasonAllSourcesFailed:      "All data sources failed",
	ReasonClarificationExceeded: "Maximum clarification attempts reached",
	ReasonHumanRejected:         "Human reviewer rejected action",
	ReasonToolFailure:           "Tool execution failed",
	ReasonModelFailure:          "Model invocation failed",
	ReasonOther:                 "Workflow escalated to human review",
}

// EscalationRecord captures a single hand-off to a human reviewer.
type EscalationRecord struct {
	Reason    Reason         `json:"reason"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventLogger is the slice of the structured logger the handler needs.
type EventLogger interface {
	Warn(category, eventType, message string, details map[string]any)
}

// EscalationHandler converts terminal governance conditions into records
// for human review. Escalate is total: it never fails, and an unknown
// reason degrades to ReasonOther instead of being dropped.
type EscalationHandler struct {
	sink   telemetry.Sink
	logger EventLogger
}

// NewEscalationHandler creates a handler. Both dependencies are optional.
func NewEscalationHandler(sink telemetry.Sink, logger EventLogger) *EscalationHandler {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &EscalationHandler{sink: sink, logger: logger}
}

// Escalate produces a record for the given reason. An empty message gets
// the stock message for the reason; context may be nil.
func (h *EscalationHandler) Escalate(reason Reason, message string, context map[string]any) EscalationRecord {
	if !reason.Known() {
		if context == nil {
			context = map[string]any{}
		}
		context["original_reason"] = string(reason)
		reason = ReasonOther
	}
	if message == "" {
		message = defaultMessages[reason]
	}

	record := EscalationRecord{
		Reason:    reason,
		Message:   message,
		Context:   context,
		Timestamp: time.Now().UTC(),
	}

	h.sink.Count(telemetry.MetricEscalations, 1, telemetry.Labels{
		telemetry.TagReason: string(reason),
	})
	if h.logger != nil {
		h.logger.Warn("escalation", "workflow_escalated", message, map[string]any{
			"reason":  string(reason),
			"context": context,
		})
	}
	return record
}

// EscalateFromBudget builds a budget escalation carrying the tracker
// snapshot so reviewers see exactly which ceiling was hit.
func (h *EscalationHandler) EscalateFromBudget(tracker *BudgetTracker) EscalationRecord {
	snapshot := tracker.Snapshot()
	reason := snapshot.ExceededVia
	if reason == ReasonNone {
		reason = ReasonBudgetExceeded
	}
	return h.Escalate(reason, "", map[string]any{
		"steps_used":       snapshot.Steps,
		"model_calls_used": snapshot.ModelCalls,
		"tool_calls_used":  snapshot.ToolCalls,
		"max_steps":        snapshot.Limits.MaxSteps,
		"max_model_calls":  snapshot.Limits.MaxModelCalls,
		"max_tool_calls":   snapshot.Limits.MaxToolCalls,
	})
}

// EscalateFromConfidence builds a low-confidence escalation with both
// values in context.
func (h *EscalationHandler) EscalateFromConfidence(confidence, threshold float64) EscalationRecord {
	return h.Escalate(ReasonLowConfidence, "", map[string]any{
		"confidence": confidence,
		"threshold":  threshold,
	})
}

// DefaultMessage returns the stock message for a reason.
func DefaultMessage(reason Reason) string {
	if msg, ok := defaultMessages[reason]; ok {
		return msg
	}
	return defaultMessages[ReasonOther]
}
