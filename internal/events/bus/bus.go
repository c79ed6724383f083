// Package bus provides the ADT event bus.
//
// Subjects are dotted event types ("agent.spawned", "task.completed").
// Subscriptions accept NATS-style wildcards: * matches one token, >
// matches the rest. Both backends keep a bounded history of recent
// events for late-joining clients.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HistorySize is the number of recent events retained for replay.
const HistorySize = 100

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Project   string         `json:"project,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and current timestamp.
func NewEvent(eventType, project string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Project:   project,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the pub/sub surface used across ADT.
type EventBus interface {
	// Publish delivers the event to all matching subscribers. The subject
	// is the event's Type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// QueueSubscribe registers a load-balanced handler: each event goes
	// to exactly one member of the queue group.
	QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error)

	// History returns up to limit recent events, oldest first, optionally
	// filtered by exact event type.
	History(limit int, eventType string) []*Event

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can deliver events.
	IsConnected() bool
}

// Emit builds an event from its parts and publishes it. Errors are
// returned for callers that care; most fire and forget.
func Emit(ctx context.Context, b EventBus, eventType, project string, data map[string]any) error {
	return b.Publish(ctx, NewEvent(eventType, project, data))
}
