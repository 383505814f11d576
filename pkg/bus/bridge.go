package bus

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/warden/pkg/telemetry"
)

// EventBridge forwards governance events from a telemetry.Hub onto a
// MessageBus so external consumers (reviewer UIs, pagers, dashboards)
// can react without linking against the core.
type EventBridge struct {
	bus    MessageBus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventBridge starts forwarding events from hub to the bus. Call
// Close to stop the forwarding goroutine.
func NewEventBridge(hub *telemetry.Hub, b MessageBus) *EventBridge {
	ctx, cancel := context.WithCancel(context.Background())
	br := &EventBridge{
		bus:    b,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	events, unsubscribe := hub.Subscribe()
	go br.run(ctx, events, unsubscribe)

	return br
}

func (br *EventBridge) run(ctx context.Context, events <-chan telemetry.Event, unsubscribe func()) {
	defer close(br.done)
	defer unsubscribe()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			subject := subjectFor(event.Type)
			if subject == "" {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_ = br.bus.Publish(ctx, subject, data)
		case <-ctx.Done():
			return
		}
	}
}

// Close stops forwarding and waits for the goroutine to exit.
func (br *EventBridge) Close() {
	br.cancel()
	<-br.done
}

// subjectFor maps event types to bus subjects. Events with no mapping
// stay internal to the hub.
func subjectFor(t telemetry.EventType) string {
	switch t {
	case telemetry.EventApprovalRequested:
		return SubjectApprovalRequested
	case telemetry.EventApprovalDecided, telemetry.EventApprovalExpired:
		return SubjectApprovalDecided
	case telemetry.EventWorkflowEscalated:
		return SubjectEscalation
	default:
		return ""
	}
}
