package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/governance"
	"github.com/odvcencio/warden/pkg/model"
	"github.com/odvcencio/warden/pkg/tool"
	"github.com/odvcencio/warden/pkg/workflow"
)

type memResults struct {
	states map[string]string
	data   map[string][]byte
}

func newMemResults() *memResults {
	return &memResults{states: make(map[string]string), data: make(map[string][]byte)}
}

func (m *memResults) SaveResult(ctx context.Context, requestID, state string, result []byte) error {
	m.states[requestID] = state
	m.data[requestID] = result
	return nil
}

func (m *memResults) GetResult(ctx context.Context, requestID string) (string, []byte, error) {
	return m.states[requestID], m.data[requestID], nil
}

// resultLogger adapts memResults to workflow.AuditStore.
type resultLogger struct{ *memResults }

func (resultLogger) LogEscalation(ctx context.Context, requestID string, record governance.EscalationRecord) error {
	return nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *approval.Gate) {
	t.Helper()
	gate := approval.NewGate()
	return newTestServerWith(t, cfg, gate, newMemResults()), gate
}

func newTestServerWith(t *testing.T, cfg Config, gate *approval.Gate, results *memResults) *Server {
	t.Helper()

	client := model.Func(func(ctx context.Context, req *model.SynthesisRequest) (*model.Synthesis, error) {
		return &model.Synthesis{
			Summary:    "summary",
			Hypotheses: []model.Hypothesis{{Rank: 1, Description: "h", Confidence: 0.9}},
			ProposedAction: &model.ProposedAction{
				Type:  model.ActionIncident,
				Title: "File incident",
			},
		}, nil
	})

	registry := tool.NewRegistry(tool.Func{
		ToolName: "metrics",
		Desc:     "stub",
		Fn: func(ctx context.Context, input map[string]any) (*tool.Result, error) {
			return &tool.Result{Content: "all green"}, nil
		},
	})

	orch, err := workflow.New(workflow.Options{
		Model:    client,
		Tools:    registry,
		Gate:     gate,
		Executor: workflow.ActionExecutorFunc(func(ctx context.Context, requestID string, action *model.ProposedAction) (*workflow.ActionResult, error) {
			return &workflow.ActionResult{Executed: true}, nil
		}),
		Store: resultLogger{results},
	})
	require.NoError(t, err)

	return NewServer(cfg, orch, gate, results, nil, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(payload))
	req := httptest.NewRequest(http.MethodPost, path, &body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := getPath(srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriageThenApproveFlow(t *testing.T) {
	srv, gate := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/triage", triageRequest{
		Input:   "checkout errors rising",
		Sources: []workflow.Source{{Tool: "metrics"}},
	}, nil)
	// Gated runs answer 202: the work is suspended, not finished.
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, workflow.StateGating, run.State)
	require.NotEmpty(t, run.ApprovalID)

	rec = getPath(handler, "/api/v1/approvals")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Approvals []*approval.Request `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Approvals, 1)

	rec = postJSON(t, handler, "/api/v1/approvals/"+run.ApprovalID+"/approve",
		decideRequest{DecidedBy: "oncall@example"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decided decideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, approval.StatusApproved, decided.Approval.Status)
	require.NotNil(t, decided.Result)
	assert.Equal(t, workflow.StateDone, decided.Result.State)

	assert.Empty(t, gate.ListPending())
}

func TestRejectEscalates(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/triage", triageRequest{
		Input:   "checkout errors rising",
		Sources: []workflow.Source{{Tool: "metrics"}},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = postJSON(t, handler, "/api/v1/approvals/"+run.ApprovalID+"/reject",
		decideRequest{DecidedBy: "oncall@example", Reason: "wrong action"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decided decideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, approval.StatusRejected, decided.Approval.Status)
	assert.Equal(t, workflow.StateEscalated, decided.Result.State)
}

func TestDecideUnknownApprovalReturns404(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := postJSON(t, srv.Handler(), "/api/v1/approvals/nope/approve", decideRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecideTwiceReturns409(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/triage", triageRequest{
		Input:   "double decide",
		Sources: []workflow.Source{{Tool: "metrics"}},
	}, nil)
	var run workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = postJSON(t, handler, "/api/v1/approvals/"+run.ApprovalID+"/approve", decideRequest{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, handler, "/api/v1/approvals/"+run.ApprovalID+"/reject", decideRequest{}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDecideAfterRestartExecutesApprovedAction(t *testing.T) {
	gate := approval.NewGate()
	results := newMemResults()

	first := newTestServerWith(t, Config{}, gate, results)
	rec := postJSON(t, first.Handler(), "/api/v1/triage", triageRequest{
		Input:   "checkout errors rising",
		Sources: []workflow.Source{{Tool: "metrics"}},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	// A rebuilt server shares the gate and result store but none of
	// the in-memory continuations.
	second := newTestServerWith(t, Config{}, gate, results)
	rec = postJSON(t, second.Handler(), "/api/v1/approvals/"+run.ApprovalID+"/approve",
		decideRequest{DecidedBy: "oncall@example"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decided decideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, approval.StatusApproved, decided.Approval.Status)
	require.NotNil(t, decided.Result)
	assert.Equal(t, workflow.StateDone, decided.Result.State)
}

func TestDecideWithoutSuspendedRunFailsLoudly(t *testing.T) {
	srv, gate := newTestServer(t, Config{})

	// An approval with no suspended workflow behind it is an
	// integration bug; the decision must not return success.
	req, err := gate.Request(context.Background(), approval.Spec{
		RequestID:  "req-orphan",
		ActionType: "incident",
		Title:      "orphaned approval",
	})
	require.NoError(t, err)

	rec := postJSON(t, srv.Handler(), "/api/v1/approvals/"+req.ID+"/approve", decideRequest{}, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetTriageResult(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/v1/triage", triageRequest{
		Input:   "persisted run",
		Sources: []workflow.Source{{Tool: "metrics"}},
	}, nil)
	var run workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = getPath(handler, "/api/v1/triage/"+run.RequestID)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched workflow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, run.RequestID, fetched.RequestID)

	rec = getPath(handler, "/api/v1/triage/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriageRejectsEmptyInput(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	rec := postJSON(t, srv.Handler(), "/api/v1/triage", triageRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthTokenRequired(t *testing.T) {
	token := "0123456789abcdef0123456789abcdef"
	srv, _ := newTestServer(t, Config{AuthToken: token})
	handler := srv.Handler()

	rec := getPath(handler, "/api/v1/approvals")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Health stays open
	rec = getPath(handler, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecideRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{DecideRate: 1})
	handler := srv.Handler()

	var limited bool
	for i := 0; i < 10; i++ {
		rec := postJSON(t, handler, "/api/v1/approvals/nope/approve", decideRequest{}, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}
