package attributes

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/attrset/internal/cachemanager"
	"github.com/zjrosen/attrset/internal/isolation"
	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/metrics"
	"github.com/zjrosen/attrset/internal/pubsub"
	"github.com/zjrosen/attrset/internal/tracing"
)

// NodeEvent is published when the engine creates a node.
type NodeEvent struct {
	EngineID string
	NodeID   uint64
	ParentID uint64
	Key      Key
	Value    isolation.Isolated
}

// Stats counts engine activity since construction.
type Stats struct {
	Nodes          int    // nodes created, including the empty set
	Parents        int    // nodes that have been extended, including the empty set
	Hits           uint64 // concatenations answered by an existing node
	Misses         uint64 // concatenations that created a node
	Merges         uint64
	MergeCacheHits uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithIsolator sets the isolator applied to raw values. The default is
// isolation.SnapshotIsolator.
func WithIsolator(iso isolation.Isolator) Option {
	return func(e *Engine) {
		e.isolator = iso
	}
}

// WithMergeCache memoises merges of nodes of this engine. Entries expire
// ttl after their last use.
func WithMergeCache(cache cachemanager.CacheManager[string, *Node], ttl time.Duration) Option {
	return func(e *Engine) {
		e.mergeCache = cachemanager.NewReadThroughCache(cache, e.mergeUncached)
		e.mergeTTL = ttl
	}
}

// WithTracer records a span for every merge.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithEvents publishes a NodeEvent whenever a node is created. The
// publisher must not block; pubsub.Broker drops events for slow subscribers.
func WithEvents(publisher pubsub.Publisher[NodeEvent]) Option {
	return func(e *Engine) {
		e.events = publisher
	}
}

// WithName sets the name the engine logs under. Defaults to its id.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// Engine interns attribute sets. Every set it returns is a *Node rooted
// at the engine's empty set, and a given (parent, key, value) always
// yields the same *Node, so nodes can be compared with ==.
// Safe for concurrent use.
type Engine struct {
	id       string
	name     string
	root     *Node
	registry *registry
	isolator isolation.Isolator

	mergeCache *cachemanager.ReadThroughCache[string, *Node, mergeInput]
	mergeTTL   time.Duration
	tracer     trace.Tracer
	events     pubsub.Publisher[NodeEvent]

	hits           atomic.Uint64
	misses         atomic.Uint64
	merges         atomic.Uint64
	mergeCacheHits atomic.Uint64
}

// New creates an engine holding only the empty set.
func New(opts ...Option) *Engine {
	root := newRoot()
	e := &Engine{
		id:       uuid.NewString(),
		root:     root,
		registry: newRegistry(root),
		isolator: isolation.NewSnapshotIsolator(),
		tracer:   noop.NewTracerProvider().Tracer("attrset"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name == "" {
		e.name = e.id
	}
	log.Debug(log.CatEngine, "engine created", "engine", e.name, "id", e.id)
	return e
}

// ID returns the engine's unique id.
func (e *Engine) ID() string {
	return e.id
}

// Root returns the empty set.
func (e *Engine) Root() *Node {
	return e.root
}

// Owns reports whether s is a node created by this engine.
func (e *Engine) Owns(s Set) bool {
	n, ok := s.(*Node)
	return ok && n != nil && n.root == e.root
}

// Of returns the set holding only key=value.
func (e *Engine) Of(key Key, value any) (*Node, error) {
	return e.Concat(e.root, key, value)
}

// Concat returns base extended with key=value. value is isolated first;
// isolation errors are returned as is. If base already has key the new
// value shadows the old one; if the value is the same, base itself is
// returned.
func (e *Engine) Concat(base Set, key Key, value any) (*Node, error) {
	iso, err := e.isolator.Isolate(value)
	if err != nil {
		return nil, err
	}
	return e.ConcatIsolated(base, key, iso), nil
}

// ConcatIsolated is Concat for a value that is already isolated.
func (e *Engine) ConcatIsolated(base Set, key Key, value isolation.Isolated) *Node {
	return e.intern(e.adopt(base), key, value)
}

// Merge returns the union of a and b. Where both have a key, b's value
// is kept.
func (e *Engine) Merge(a, b Set) *Node {
	return e.MergeContext(context.Background(), a, b)
}

// MergeContext is Merge with a context for tracing and the merge cache.
func (e *Engine) MergeContext(ctx context.Context, a, b Set) *Node {
	e.merges.Add(1)
	metrics.Merges.WithLabelValues(e.id).Inc()

	ctx, span := e.tracer.Start(ctx, tracing.SpanMerge, trace.WithAttributes(
		attribute.String(tracing.AttrEngineID, e.id),
	))
	defer span.End()

	if e.mergeCache == nil || !e.Owns(a) || !e.Owns(b) {
		return e.merge(a, b)
	}

	na, nb := a.(*Node), b.(*Node)
	input := mergeInput{a: na, b: nb, computed: new(bool)}
	// mergeUncached never fails
	result, _ := e.mergeCache.GetWithRefresh(ctx, e.mergeCacheKey(na, nb), input, e.mergeTTL)
	if !*input.computed {
		e.mergeCacheHits.Add(1)
		metrics.MergeCacheHits.WithLabelValues(e.id).Inc()
		span.AddEvent(tracing.EventMergeCacheHit)
	}
	span.SetAttributes(attribute.Int64(tracing.AttrNodeID, int64(result.id)))
	return result
}

// Mutable returns an empty builder bound to this engine.
func (e *Engine) Mutable() *Container {
	return newContainer(e, nil)
}

// MutableFrom returns a builder layered on top of parent.
func (e *Engine) MutableFrom(parent Set) *Container {
	return newContainer(e, parent)
}

// Size returns the number of nodes that have been extended, including
// the empty set.
func (e *Engine) Size() int {
	return e.registry.len()
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Nodes:          e.registry.nodes(),
		Parents:        e.registry.len(),
		Hits:           e.hits.Load(),
		Misses:         e.misses.Load(),
		Merges:         e.merges.Load(),
		MergeCacheHits: e.mergeCacheHits.Load(),
	}
}

// Children returns the nodes created directly on top of n, in creation order.
func (e *Engine) Children(n *Node) []*Node {
	return e.registry.childrenOf(n)
}

// intern returns parent extended with key=value. A parent whose nearest
// value for key already equals value is returned as is, so repeating a
// concatenation is a no-op.
func (e *Engine) intern(parent *Node, key Key, value isolation.Isolated) *Node {
	if current, ok := parent.Get(key); ok && current.Equal(value) {
		e.hit()
		return parent
	}

	child, created := e.registry.child(parent, key, value)
	if !created {
		e.hit()
		return child
	}

	e.misses.Add(1)
	metrics.NodesCreated.WithLabelValues(e.id).Inc()
	log.Debug(log.CatRegistry, "node created",
		"engine", e.name, "id", child.id, "parent", parent.id, "key", key.Name())
	if e.events != nil {
		e.events.Publish(pubsub.CreatedEvent, NodeEvent{
			EngineID: e.id,
			NodeID:   child.id,
			ParentID: parent.id,
			Key:      key,
			Value:    value,
		})
	}
	return child
}

func (e *Engine) hit() {
	e.hits.Add(1)
	metrics.DedupHits.WithLabelValues(e.id).Inc()
}

// adopt returns the node of this engine for s. Nodes of other engines and
// other Set implementations are re-interned from the empty set in their
// key order; their values are already isolated and are reused. A nil Set,
// including a nil *Node, is the empty set.
func (e *Engine) adopt(s Set) *Node {
	if e.Owns(s) {
		return s.(*Node)
	}
	if isNil(s) || s.IsEmpty() {
		return e.root
	}

	log.Debug(log.CatEngine, "adopting foreign attribute set", "engine", e.name)
	cur := e.root
	for _, key := range s.Keys() {
		value, ok := s.Get(key)
		if !ok {
			continue
		}
		cur = e.intern(cur, key, value)
	}
	return cur
}

// merge starts from b and adds every key of a that the result lacks, in
// a's key order.
func (e *Engine) merge(a, b Set) *Node {
	cur := e.adopt(b)
	if isNil(a) {
		return cur
	}
	for _, key := range a.Keys() {
		if cur.Contains(key) {
			continue
		}
		value, ok := a.Get(key)
		if !ok {
			continue
		}
		cur = e.intern(cur, key, value)
	}
	return cur
}

type mergeInput struct {
	a, b     *Node
	computed *bool
}

func (e *Engine) mergeUncached(_ context.Context, in mergeInput) (*Node, error) {
	*in.computed = true
	return e.merge(in.a, in.b), nil
}

// mergeCacheKey is scoped by engine id so that engines may share a cache.
func (e *Engine) mergeCacheKey(a, b *Node) string {
	return e.id + ":" + strconv.FormatUint(a.id, 10) + "+" + strconv.FormatUint(b.id, 10)
}
