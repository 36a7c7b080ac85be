// Package bus provides the notification bus sessiond publishes session
// lifecycle changes on, so external consumers can observe the event log
// without polling. A memory implementation serves single-process use; the
// NATS implementation is enabled by configuration.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the session service.
const (
	SubjectSessionCreated      = "session.created"
	SubjectSessionEventCreated = "session.event.created"
)

// Notification is a message on the bus.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the notification
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewNotification creates a notification with a fresh id and timestamp.
func NewNotification(notifType, source string, data map[string]any) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Type:      notifType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes a notification.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the notification bus surface.
type Bus interface {
	// Publish sends a notification to a subject.
	Publish(ctx context.Context, subject string, n *Notification) error

	// Subscribe registers a handler for a subject pattern. Patterns support
	// NATS-style wildcards: * (single token) and > (remaining tokens).
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can accept publishes.
	IsConnected() bool
}
