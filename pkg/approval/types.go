// Package approval implements the human decision point: pending
// requests that must be approved or rejected exactly once before a
// side-effecting action may run.
package approval

import (
	"errors"
	"time"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusSkipped  Status = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusPending
}

var (
	// ErrNotFound is returned for an unknown approval ID.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyDecided is returned when a decision was already recorded,
	// regardless of whether the outcome matches.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Request is one pending (or decided) approval.
type Request struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	ActionType     string     `json:"action_type"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	RiskReasons    []string   `json:"risk_reasons,omitempty"`
	Status         Status     `json:"status"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Clone returns a deep copy so callers can't mutate gate state.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		cp.DecidedAt = &t
	}
	cp.RiskReasons = append([]string(nil), r.RiskReasons...)
	return &cp
}
