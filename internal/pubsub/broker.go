package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// DropPolicy decides which event a full subscriber loses.
type DropPolicy int

const (
	// DropNewest discards the event being published. Node event consumers
	// use it so the events they did receive are the earliest ones.
	DropNewest DropPolicy = iota

	// DropOldest evicts the subscriber's oldest buffered event to make room,
	// so a follower of the log stream always sees the latest lines.
	DropOldest
)

// Options configures a Broker. The zero value is a 64 event buffer with
// DropNewest.
type Options struct {
	Buffer int
	Policy DropPolicy
}

// Broker fans events out to every subscriber without ever blocking the
// publisher. Publishing happens on the engine's and logger's hot paths.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscription[T]]struct{}
	closed bool
	buffer int
	policy DropPolicy

	seq     atomic.Uint64
	dropped atomic.Uint64
}

type subscription[T any] struct {
	ch   chan Event[T]
	stop func() bool
}

// NewBroker returns a broker with default Options.
func NewBroker[T any]() *Broker[T] {
	return New[T](Options{})
}

// New returns a broker configured by opts.
func New[T any](opts Options) *Broker[T] {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBufferSize
	}
	return &Broker[T]{
		subs:   make(map[*subscription[T]]struct{}),
		buffer: opts.Buffer,
		policy: opts.Policy,
	}
}

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed when ctx is done or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription[T]{ch: make(chan Event[T], b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() { b.unsubscribe(sub) })
	return sub.ch
}

func (b *Broker[T]) unsubscribe(sub *subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish stamps the payload with the next sequence number and delivers it
// to every subscriber, applying the drop policy to full ones.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Seq:       b.seq.Add(1),
		Timestamp: time.Now(),
	}
	for sub := range b.subs {
		if !b.deliver(sub.ch, event) {
			b.dropped.Add(1)
		}
	}
}

func (b *Broker[T]) deliver(ch chan Event[T], event Event[T]) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	if b.policy == DropNewest {
		return false
	}

	select {
	case <-ch:
		b.dropped.Add(1)
	default:
	}
	// Another publisher may have refilled the slot.
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Dropped counts events lost to full subscribers since the broker was
// created, summed over all subscribers.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions receive an already closed channel.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
		close(sub.ch)
	}
	b.subs = nil
}
