// Package pubsub provides a generic publish/subscribe event system used
// for engine node events and log lines.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

// Attribute nodes are never updated or deleted, so creation is the only
// event the engine emits. LogEvent tags log lines.
const (
	CreatedEvent EventType = "created"
	LogEvent     EventType = "log"
)

// Event represents a published event with a typed payload.
// Seq is assigned by the broker and increases by one per Publish, so a
// gap seen by one subscriber means events were dropped for it.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Seq       uint64
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}

var (
	_ Subscriber[string] = (*Broker[string])(nil)
	_ Publisher[string]  = (*Broker[string])(nil)
)
