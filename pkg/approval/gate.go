package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/warden/pkg/telemetry"
)

// DefaultTTL is how long a request stays decidable before Expire marks it.
const DefaultTTL = 24 * time.Hour

// Store persists approval requests across process restarts.
// UpdateApproval records a pending-to-terminal transition and must fail
// with ErrAlreadyDecided when the stored row is already terminal, so
// single-shot semantics hold across processes sharing one store.
type Store interface {
	SaveApproval(ctx context.Context, req *Request) error
	UpdateApproval(ctx context.Context, req *Request) error
	GetApproval(ctx context.Context, id string) (*Request, error)
	ListPendingApprovals(ctx context.Context) ([]*Request, error)
}

// nopStore keeps the gate memory-only.
type nopStore struct{}

func (nopStore) SaveApproval(context.Context, *Request) error   { return nil }
func (nopStore) UpdateApproval(context.Context, *Request) error { return nil }
func (nopStore) GetApproval(context.Context, string) (*Request, error) {
	return nil, nil
}
func (nopStore) ListPendingApprovals(context.Context) ([]*Request, error) {
	return nil, nil
}

// Spec describes the action a workflow wants approved.
type Spec struct {
	RequestID   string
	ActionType  string
	Title       string
	Description string
	Severity    string
	RiskReasons []string
}

// Gate owns the pending-approval table. Decisions are single-shot: a
// request moves from pending to exactly one terminal status, and any
// further decision attempt fails with ErrAlreadyDecided.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*Request

	store Store
	// persistent means the store can answer for terminal requests, so
	// decided entries are evicted from the pending table instead of
	// accumulating for the lifetime of the process.
	persistent bool
	sink       telemetry.Sink
	hub        *telemetry.Hub
	ttl        time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithStore attaches persistence.
func WithStore(store Store) Option {
	return func(g *Gate) {
		if store != nil {
			g.store = store
			_, nop := store.(nopStore)
			g.persistent = !nop
		}
	}
}

// WithSink attaches metric emission.
func WithSink(sink telemetry.Sink) Option {
	return func(g *Gate) {
		if sink != nil {
			g.sink = sink
		}
	}
}

// WithHub attaches event fan-out.
func WithHub(hub *telemetry.Hub) Option {
	return func(g *Gate) { g.hub = hub }
}

// WithTTL overrides the pending-request lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// NewGate creates a gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*Request),
		store:   nopStore{},
		sink:    telemetry.NopSink{},
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Restore loads undecided requests from the store into the pending
// table, typically at startup.
func (g *Gate) Restore(ctx context.Context) error {
	reqs, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("restoring pending approvals: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range reqs {
		if req.Status == StatusPending {
			g.pending[req.ID] = req.Clone()
		}
	}
	return nil
}

// Request registers a new pending approval and returns it.
func (g *Gate) Request(ctx context.Context, spec Spec) (*Request, error) {
	now := g.now().UTC()
	req := &Request{
		ID:          ulid.Make().String(),
		RequestID:   spec.RequestID,
		ActionType:  spec.ActionType,
		Title:       spec.Title,
		Description: spec.Description,
		Severity:    spec.Severity,
		RiskReasons: append([]string(nil), spec.RiskReasons...),
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}

	if err := g.store.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("saving approval request: %w", err)
	}

	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()

	g.sink.Count(telemetry.MetricApprovalsRequested, 1, telemetry.Labels{
		telemetry.TagActionType: spec.ActionType,
	})
	g.publish(telemetry.EventApprovalRequested, req)
	return req.Clone(), nil
}

// Decide records a single-shot decision. Unknown IDs return ErrNotFound;
// re-deciding returns ErrAlreadyDecided even when the outcome matches.
func (g *Gate) Decide(ctx context.Context, id string, approved bool, decidedBy, reason string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.pending[id]
	if !ok {
		// Fall back to the store so restarts don't lose requests.
		stored, err := g.store.GetApproval(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading approval %s: %w", id, err)
		}
		if stored == nil {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		if stored.Status.Terminal() {
			return nil, fmt.Errorf("approval %s is %s: %w", id, stored.Status, ErrAlreadyDecided)
		}
		req = stored.Clone()
		g.pending[id] = req
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("approval %s is %s: %w", id, req.Status, ErrAlreadyDecided)
	}

	decided := req.Clone()
	now := g.now().UTC()
	decided.Status = StatusRejected
	if approved {
		decided.Status = StatusApproved
	}
	decided.DecidedBy = decidedBy
	decided.DecisionReason = reason
	decided.DecidedAt = &now

	if err := g.store.UpdateApproval(ctx, decided); err != nil {
		if errors.Is(err, ErrAlreadyDecided) {
			// Another process got there first; adopt its outcome.
			if stored, gerr := g.store.GetApproval(ctx, id); gerr == nil && stored != nil {
				*req = *stored
			}
			g.evict(id)
			return nil, fmt.Errorf("approval %s: %w", id, ErrAlreadyDecided)
		}
		// Transition not committed; the caller may retry.
		return nil, fmt.Errorf("persisting decision for %s: %w", id, err)
	}
	*req = *decided
	g.evict(id)

	g.sink.Count(telemetry.MetricApprovalDecisions, 1, telemetry.Labels{
		telemetry.TagActionType: req.ActionType,
		telemetry.TagDecision:   string(req.Status),
	})
	g.sink.Observe(telemetry.MetricApprovalLatency, now.Sub(req.CreatedAt).Seconds(), telemetry.Labels{
		telemetry.TagActionType: req.ActionType,
	})
	g.publish(telemetry.EventApprovalDecided, req)
	return req.Clone(), nil
}

// Skip closes a pending request without a human decision, recording why
// the gate was bypassed. Skipped requests are terminal like any other
// decision: re-deciding them fails with ErrAlreadyDecided.
func (g *Gate) Skip(ctx context.Context, id, reason string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.pending[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("approval %s is %s: %w", id, req.Status, ErrAlreadyDecided)
	}

	decided := req.Clone()
	now := g.now().UTC()
	decided.Status = StatusSkipped
	decided.DecisionReason = reason
	decided.DecidedAt = &now

	if err := g.store.UpdateApproval(ctx, decided); err != nil {
		if errors.Is(err, ErrAlreadyDecided) {
			return nil, fmt.Errorf("approval %s: %w", id, ErrAlreadyDecided)
		}
		return nil, fmt.Errorf("persisting skip for %s: %w", id, err)
	}
	*req = *decided
	g.evict(id)

	g.sink.Count(telemetry.MetricApprovalDecisions, 1, telemetry.Labels{
		telemetry.TagActionType: req.ActionType,
		telemetry.TagDecision:   string(StatusSkipped),
	})
	g.publish(telemetry.EventApprovalDecided, req)
	return req.Clone(), nil
}

// Get returns a request by ID from the pending table or the store.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	g.mu.Lock()
	req, ok := g.pending[id]
	if ok {
		req = req.Clone()
	}
	g.mu.Unlock()
	if ok {
		return req, nil
	}

	stored, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading approval %s: %w", id, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return stored, nil
}

// ListPending returns undecided, unexpired requests ordered by creation.
func (g *Gate) ListPending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now().UTC()
	var out []*Request
	for _, req := range g.pending {
		if req.Status == StatusPending && req.ExpiresAt.After(now) {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Expire marks pending requests past their deadline and returns them.
// Expired requests count as non-approvals; re-deciding them fails.
func (g *Gate) Expire(ctx context.Context) ([]*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	var expired []*Request
	for _, req := range g.pending {
		if req.Status != StatusPending || req.ExpiresAt.After(now) {
			continue
		}
		decided := req.Clone()
		decided.Status = StatusExpired
		decided.DecidedAt = &now
		if err := g.store.UpdateApproval(ctx, decided); err != nil {
			return expired, fmt.Errorf("expiring approval %s: %w", req.ID, err)
		}
		*req = *decided

		g.sink.Count(telemetry.MetricApprovalDecisions, 1, telemetry.Labels{
			telemetry.TagActionType: req.ActionType,
			telemetry.TagDecision:   string(StatusExpired),
		})
		g.publish(telemetry.EventApprovalExpired, req)
		expired = append(expired, req.Clone())
		g.evict(req.ID)
	}
	return expired, nil
}

// evict drops a terminal request from the pending table when the store
// can answer for it. Callers hold g.mu.
func (g *Gate) evict(id string) {
	if g.persistent {
		delete(g.pending, id)
	}
}

func (g *Gate) publish(eventType telemetry.EventType, req *Request) {
	if g.hub == nil {
		return
	}
	g.hub.Publish(telemetry.Event{
		Type:       eventType,
		RequestID:  req.RequestID,
		ApprovalID: req.ID,
		Data: map[string]any{
			"action_type": req.ActionType,
			"title":       req.Title,
			"status":      string(req.Status),
			"decided_by":  req.DecidedBy,
		},
	})
}
