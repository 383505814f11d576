// Package bus provides publish/subscribe messaging for governance events.
// Two implementations are available: an in-memory bus for single-process
// deployments and tests, and a NATS-backed bus for fan-out to external
// reviewers and dashboards.
package bus

import (
	"context"
	"errors"
	"time"
)

// Subjects published by the governance core.
const (
	// SubjectApprovalRequested carries newly created approval requests.
	SubjectApprovalRequested = "warden.approval.requested"

	// SubjectApprovalDecided carries terminal approval outcomes.
	SubjectApprovalDecided = "warden.approval.decided"

	// SubjectEscalation carries workflow escalations.
	SubjectEscalation = "warden.escalation"
)

// Common errors returned by bus operations.
var (
	// ErrClosed is returned when operating on a closed bus.
	ErrClosed = errors.New("bus: closed")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("bus: timeout")
)

// MessageHandler processes received messages.
type MessageHandler func(msg *Message)

// Message is a message received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Subject returns the subscribed subject pattern.
	Subject() string
}

// MessageBus is the interface for publish/subscribe messaging.
type MessageBus interface {
	// Publish sends a message to a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// Subjects support NATS-style wildcards: "*" matches one token,
	// ">" matches one or more trailing tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Config holds bus configuration.
type Config struct {
	// URL is the NATS server URL (for NATS bus).
	URL string

	// Name is the client connection name.
	Name string

	// Timeout is the default operation timeout.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "warden",
		Timeout: 30 * time.Second,
	}
}
