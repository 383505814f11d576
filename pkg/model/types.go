package model

import "sort"

// ActionType classifies what kind of follow-up a synthesis proposes.
type ActionType string

const (
	ActionIncident ActionType = "incident"
	ActionCase     ActionType = "case"
)

// EvidenceItem is one collected signal handed to the model.
type EvidenceItem struct {
	Source  string `json:"source"`
	Content string `json:"content,omitempty"`
	Err     string `json:"error,omitempty"`
}

// SynthesisRequest carries everything the model needs to reason about
// one triage request.
type SynthesisRequest struct {
	RequestID string         `json:"request_id"`
	Summary   string         `json:"summary"`
	Evidence  []EvidenceItem `json:"evidence"`
}

// Hypothesis is one ranked explanation with its supporting evidence.
type Hypothesis struct {
	Rank        int      `json:"rank"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
	QueryLinks  []string `json:"query_links,omitempty"`
}

// ProposedAction is the side-effecting follow-up a synthesis recommends.
// Nothing here has happened yet; execution requires human approval.
type ProposedAction struct {
	Type          ActionType `json:"action_type"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Severity      string     `json:"severity,omitempty"`
	EvidenceLinks []string   `json:"evidence_links,omitempty"`
	NextSteps     []string   `json:"next_steps,omitempty"`
}

// Synthesis is the model's structured analysis of the collected evidence.
type Synthesis struct {
	Summary        string          `json:"summary"`
	Hypotheses     []Hypothesis    `json:"hypotheses"`
	ProposedAction *ProposedAction `json:"proposed_action,omitempty"`
}

// Normalize sorts hypotheses by rank and fills missing ranks from order.
func (s *Synthesis) Normalize() {
	for i := range s.Hypotheses {
		if s.Hypotheses[i].Rank == 0 {
			s.Hypotheses[i].Rank = i + 1
		}
	}
	sort.SliceStable(s.Hypotheses, func(i, j int) bool {
		return s.Hypotheses[i].Rank < s.Hypotheses[j].Rank
	})
}

// TopConfidence returns the confidence of the highest-ranked hypothesis,
// or 0 when there are none.
func (s *Synthesis) TopConfidence() float64 {
	if s == nil || len(s.Hypotheses) == 0 {
		return 0
	}
	top := s.Hypotheses[0]
	for _, h := range s.Hypotheses[1:] {
		if h.Rank < top.Rank {
			top = h
		}
	}
	return top.Confidence
}
