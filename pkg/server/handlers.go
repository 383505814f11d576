package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/workflow"
)

const maxTriageBodyBytes = 256 << 10

type triageRequest struct {
	ID      string            `json:"id,omitempty"`
	Input   string            `json:"input"`
	Sources []workflow.Source `json:"sources,omitempty"`
}

type decideRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

type decideResponse struct {
	Approval *approval.Request `json:"approval"`
	Result   *workflow.Result  `json:"result,omitempty"`
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	body := http.MaxBytesReader(w, r.Body, maxTriageBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Input == "" {
		respondError(w, http.StatusBadRequest, errors.New("input is required"))
		return
	}

	result := s.orch.Run(r.Context(), workflow.Request{
		ID:      req.ID,
		Input:   req.Input,
		Sources: req.Sources,
	})

	s.logAccess(r, "triage_submitted", result.RequestID)
	status := http.StatusOK
	if result.State == workflow.StateGating {
		// The run is suspended waiting on a human decision.
		status = http.StatusAccepted
	}
	respondJSONStatus(w, status, result)
}

func (s *Server) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		respondError(w, http.StatusNotFound, errNotFound)
		return
	}

	id := chi.URLParam(r, "id")
	state, data, err := s.results.GetResult(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if state == "" {
		respondError(w, http.StatusNotFound, errNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"approvals": s.gate.ListPending(),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.gate.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondApprovalError(w, err)
		return
	}
	respondJSON(w, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	id := chi.URLParam(r, "id")

	var req decideRequest
	if r.Body != nil {
		// Body is optional; a bare POST decides anonymously.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)
	}

	result, err := s.orch.Resume(r.Context(), id, approved, req.DecidedBy, req.Reason)
	if err != nil {
		respondApprovalError(w, err)
		return
	}

	record, getErr := s.gate.Get(r.Context(), id)
	if getErr != nil {
		respondApprovalError(w, getErr)
		return
	}

	s.logAccess(r, "approval_decided", record.RequestID)
	respondJSON(w, decideResponse{Approval: record, Result: result})
}

func respondApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrAlreadyDecided):
		respondError(w, http.StatusConflict, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) logAccess(r *http.Request, eventType, requestID string) {
	if s.logger == nil {
		return
	}
	s.logger.Log(logging.Event{
		Timestamp: time.Now().UTC(),
		Level:     logging.LevelInfo,
		Category:  logging.CategoryServer,
		EventType: eventType,
		RequestID: requestID,
		Details: map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		},
	})
}
