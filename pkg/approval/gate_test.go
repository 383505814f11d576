package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/warden/pkg/telemetry"
)

func testSpec() Spec {
	return Spec{
		RequestID:  "req-1",
		ActionType: "incident",
		Title:      "Create incident for checkout latency",
		Severity:   "high",
	}
}

func TestGateRequestCreatesPending(t *testing.T) {
	gate := NewGate()

	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "req-1", req.RequestID)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))

	pending := gate.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
}

func TestGateDecideApprove(t *testing.T) {
	gate := NewGate()
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	decided, err := gate.Decide(context.Background(), req.ID, true, "oncall@sre", "looks right")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, "oncall@sre", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	assert.Empty(t, gate.ListPending())
}

func TestGateDecideReject(t *testing.T) {
	gate := NewGate()
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	decided, err := gate.Decide(context.Background(), req.ID, false, "oncall@sre", "wrong service")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, decided.Status)
	assert.Equal(t, "wrong service", decided.DecisionReason)
}

func TestGateDecideUnknownID(t *testing.T) {
	gate := NewGate()

	_, err := gate.Decide(context.Background(), "01J0000000000000000000000", true, "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateDecideSingleShot(t *testing.T) {
	gate := NewGate()
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	_, err = gate.Decide(context.Background(), req.ID, true, "a", "")
	require.NoError(t, err)

	// Same outcome still fails: approve is not idempotent.
	_, err = gate.Decide(context.Background(), req.ID, true, "b", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = gate.Decide(context.Background(), req.ID, false, "c", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestGateSkip(t *testing.T) {
	gate := NewGate()
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	skipped, err := gate.Skip(context.Background(), req.ID, "auto-approved in dev")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, skipped.Status)
	assert.Equal(t, "auto-approved in dev", skipped.DecisionReason)
	require.NotNil(t, skipped.DecidedAt)

	// Skipped is terminal like any other decision.
	_, err = gate.Decide(context.Background(), req.ID, true, "late", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = gate.Skip(context.Background(), "01J0000000000000000000000", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateConcurrentDecideExactlyOneWins(t *testing.T) {
	gate := NewGate()
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan Status, workers)
	for i := 0; i < workers; i++ {
		approved := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			if decided, err := gate.Decide(context.Background(), req.ID, approved, "racer", ""); err == nil {
				successes <- decided.Status
			}
		}()
	}
	wg.Wait()
	close(successes)

	var outcomes []Status
	for s := range successes {
		outcomes = append(outcomes, s)
	}
	require.Len(t, outcomes, 1)

	final, err := gate.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomes[0], final.Status)
}

func TestGateMetrics(t *testing.T) {
	sink := telemetry.NewRegistrySink(nil)
	gate := NewGate(WithSink(sink))

	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)
	_, err = gate.Decide(context.Background(), req.ID, true, "a", "")
	require.NoError(t, err)

	requested, ok := sink.Registry().GetCounter(telemetry.MetricApprovalsRequested, telemetry.Labels{
		telemetry.TagActionType: "incident",
	})
	require.True(t, ok)
	assert.Equal(t, int64(1), requested.Get())

	decisions, ok := sink.Registry().GetCounter(telemetry.MetricApprovalDecisions, telemetry.Labels{
		telemetry.TagActionType: "incident",
		telemetry.TagDecision:   "approved",
	})
	require.True(t, ok)
	assert.Equal(t, int64(1), decisions.Get())

	latency, ok := sink.Registry().GetHistogram(telemetry.MetricApprovalLatency, telemetry.Labels{
		telemetry.TagActionType: "incident",
	})
	require.True(t, ok)
	assert.Equal(t, int64(1), latency.GetCount())
}

func TestGateHubEvents(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	gate := NewGate(WithHub(hub))

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)
	_, err = gate.Decide(context.Background(), req.ID, false, "a", "")
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, telemetry.EventApprovalRequested, first.Type)
	assert.Equal(t, telemetry.EventApprovalDecided, second.Type)
	assert.Equal(t, req.ID, second.ApprovalID)
}

func TestGateExpire(t *testing.T) {
	gate := NewGate(WithTTL(time.Minute))
	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)

	// Nothing to expire yet.
	expired, err := gate.Expire(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)

	gate.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	expired, err = gate.Expire(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, StatusExpired, expired[0].Status)

	// Expired requests cannot be decided.
	_, err = gate.Decide(context.Background(), req.ID, true, "late", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

// memStore is an in-memory Store for persistence-path tests.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*Request
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Request)}
}

func (s *memStore) SaveApproval(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[req.ID] = req.Clone()
	return nil
}

func (s *memStore) UpdateApproval(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[req.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return ErrAlreadyDecided
	}
	s.rows[req.ID] = req.Clone()
	return nil
}

func (s *memStore) GetApproval(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Clone(), nil
}

func (s *memStore) ListPendingApprovals(_ context.Context) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, req := range s.rows {
		if req.Status == StatusPending {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

func TestGateRestoreFromStore(t *testing.T) {
	store := newMemStore()

	first := NewGate(WithStore(store))
	req, err := first.Request(context.Background(), testSpec())
	require.NoError(t, err)

	// A fresh gate sees the persisted pending request.
	second := NewGate(WithStore(store))
	require.NoError(t, second.Restore(context.Background()))

	pending := second.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	decided, err := second.Decide(context.Background(), req.ID, true, "oncall", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
}

func TestGateEvictsDecidedWhenStoreAttached(t *testing.T) {
	store := newMemStore()
	gate := NewGate(WithStore(store))

	req, err := gate.Request(context.Background(), testSpec())
	require.NoError(t, err)
	_, err = gate.Decide(context.Background(), req.ID, true, "oncall", "")
	require.NoError(t, err)

	// The store answers for terminal requests; the pending table does
	// not retain them.
	gate.mu.Lock()
	_, held := gate.pending[req.ID]
	gate.mu.Unlock()
	assert.False(t, held)

	_, err = gate.Decide(context.Background(), req.ID, false, "late", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	got, err := gate.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestGateDecideFallsBackToStoreWithoutRestore(t *testing.T) {
	store := newMemStore()

	first := NewGate(WithStore(store))
	req, err := first.Request(context.Background(), testSpec())
	require.NoError(t, err)

	second := NewGate(WithStore(store))
	decided, err := second.Decide(context.Background(), req.ID, false, "oncall", "no")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, decided.Status)

	// And the decision is persisted for everyone.
	_, err = first.Decide(context.Background(), req.ID, true, "other", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}
