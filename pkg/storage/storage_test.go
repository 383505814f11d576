package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/governance"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testApproval(id string) *approval.Request {
	now := time.Now().UTC().Truncate(time.Second)
	return &approval.Request{
		ID:          id,
		RequestID:   "req-1",
		ActionType:  "incident",
		Title:       "Create incident",
		Description: "checkout latency elevated",
		Severity:    "high",
		RiskReasons: []string{"production impact"},
		Status:      approval.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestMigrationsApplied(t *testing.T) {
	store := newTestStore(t)

	version, err := store.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.db")

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must not re-apply or fail.
	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()

	version, err := store.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSaveAndGetApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := testApproval("01TEST00000000000000000001")
	require.NoError(t, store.SaveApproval(ctx, req))

	got, err := store.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.Title, got.Title)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.Equal(t, []string{"production impact"}, got.RiskReasons)
	assert.Nil(t, got.DecidedAt)
}

func TestGetApprovalAbsent(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetApproval(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateApprovalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := testApproval("01TEST00000000000000000002")
	require.NoError(t, store.SaveApproval(ctx, req))

	now := time.Now().UTC()
	decided := req.Clone()
	decided.Status = approval.StatusApproved
	decided.DecidedBy = "oncall@sre"
	decided.DecidedAt = &now
	require.NoError(t, store.UpdateApproval(ctx, decided))

	got, err := store.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "oncall@sre", got.DecidedBy)
	require.NotNil(t, got.DecidedAt)
}

func TestUpdateApprovalAlreadyDecided(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := testApproval("01TEST00000000000000000003")
	require.NoError(t, store.SaveApproval(ctx, req))

	now := time.Now().UTC()
	decided := req.Clone()
	decided.Status = approval.StatusRejected
	decided.DecidedAt = &now
	require.NoError(t, store.UpdateApproval(ctx, decided))

	again := req.Clone()
	again.Status = approval.StatusApproved
	again.DecidedAt = &now
	assert.ErrorIs(t, store.UpdateApproval(ctx, again), approval.ErrAlreadyDecided)
}

func TestUpdateApprovalMissingRow(t *testing.T) {
	store := newTestStore(t)

	req := testApproval("01TEST00000000000000000004")
	now := time.Now().UTC()
	req.Status = approval.StatusApproved
	req.DecidedAt = &now
	assert.ErrorIs(t, store.UpdateApproval(context.Background(), req), approval.ErrNotFound)
}

func TestListPendingApprovals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testApproval("01TEST00000000000000000005")
	second := testApproval("01TEST00000000000000000006")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	expired := testApproval("01TEST00000000000000000007")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	require.NoError(t, store.SaveApproval(ctx, first))
	require.NoError(t, store.SaveApproval(ctx, second))
	require.NoError(t, store.SaveApproval(ctx, expired))

	pending, err := store.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	count, err := store.CountPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count) // expiry filter applies to listing only
}

func TestEscalationAuditTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := governance.EscalationRecord{
		Reason:    governance.ReasonToolBudgetExceeded,
		Message:   "Maximum tool calls exceeded",
		Context:   map[string]any{"tool_calls_used": float64(6)},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.LogEscalation(ctx, "req-1", record))
	require.NoError(t, store.LogEscalation(ctx, "req-2", governance.EscalationRecord{
		Reason:    governance.ReasonLowConfidence,
		Message:   "Confidence below threshold",
		Timestamp: time.Now().UTC(),
	}))

	entries, err := store.ListEscalations(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, governance.ReasonToolBudgetExceeded, entries[0].Record.Reason)
	assert.Equal(t, float64(6), entries[0].Record.Context["tool_calls_used"])
}

func TestWorkflowResultRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveResult(ctx, "req-1", "gating", []byte(`{"state":"gating"}`)))
	require.NoError(t, store.SaveResult(ctx, "req-1", "done", []byte(`{"state":"done"}`)))

	state, result, err := store.GetResult(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "done", state)
	assert.JSONEq(t, `{"state":"done"}`, string(result))

	state, result, err = store.GetResult(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, state)
	assert.Nil(t, result)
}
