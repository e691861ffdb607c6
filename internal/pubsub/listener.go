package pubsub

import "context"

// ContinuousListener keeps one subscription open across repeated reads.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when the context is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives. It returns false once the
// listener's context or ctx is done, or the broker is closed.
func (l *ContinuousListener[T]) Next(ctx context.Context) (Event[T], bool) {
	select {
	case <-ctx.Done():
		return Event[T]{}, false
	case <-l.ctx.Done():
		return Event[T]{}, false
	case event, ok := <-l.ch:
		return event, ok
	}
}

// Collect reads events until n have arrived or the listener stops.
func (l *ContinuousListener[T]) Collect(ctx context.Context, n int) []Event[T] {
	events := make([]Event[T], 0, n)
	for len(events) < n {
		event, ok := l.Next(ctx)
		if !ok {
			break
		}
		events = append(events, event)
	}
	return events
}
