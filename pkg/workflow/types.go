// Package workflow runs triage requests through a governed pipeline:
// validate input, collect evidence, synthesize an analysis, and gate any
// proposed action behind human approval. Every resource-consuming call
// is charged against per-request budgets, and every terminal outcome is
// either a completed result or an explicit escalation.
package workflow

import (
	"context"
	"time"

	"github.com/odvcencio/warden/pkg/governance"
	"github.com/odvcencio/warden/pkg/model"
)

// State identifies where a request is in the pipeline.
type State string

const (
	StateIntake       State = "intake"
	StateValidating   State = "validating"
	StateCollecting   State = "collecting"
	StateSynthesizing State = "synthesizing"
	StateGating       State = "gating"
	StateDone         State = "done"
	StateEscalated    State = "escalated"
)

// Terminal reports whether no further transitions are possible without
// an external decision.
func (s State) Terminal() bool {
	return s == StateDone || s == StateEscalated
}

// Source names one evidence tool to consult, with its input.
type Source struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// Request is one triage request entering the pipeline.
type Request struct {
	// ID is assigned if empty.
	ID      string   `json:"id,omitempty"`
	Input   string   `json:"input"`
	Sources []Source `json:"sources,omitempty"`
}

// ActionResult describes what happened when an approved action ran.
type ActionResult struct {
	Executed bool   `json:"executed"`
	Detail   string `json:"detail,omitempty"`
}

// ActionExecutor runs an approved action. Implementations talk to the
// incident tracker, case system, or whatever the action targets.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, requestID string, action *model.ProposedAction) (*ActionResult, error)
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, requestID string, action *model.ProposedAction) (*ActionResult, error)

func (f ActionExecutorFunc) ExecuteAction(ctx context.Context, requestID string, action *model.ProposedAction) (*ActionResult, error) {
	return f(ctx, requestID, action)
}

// Result is the outcome of Run or Resume. State is always terminal
// except StateGating, which means the request is suspended waiting for
// the approval identified by ApprovalID.
type Result struct {
	RequestID  string                       `json:"request_id"`
	State      State                        `json:"state"`
	Input      string                       `json:"input"`
	Evidence   []model.EvidenceItem         `json:"evidence,omitempty"`
	Synthesis  *model.Synthesis             `json:"synthesis,omitempty"`
	ApprovalID string                       `json:"approval_id,omitempty"`
	Escalation *governance.EscalationRecord `json:"escalation,omitempty"`
	Budget     governance.BudgetSnapshot    `json:"budget"`
	Action     *ActionResult                `json:"action,omitempty"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at,omitempty"`
}
