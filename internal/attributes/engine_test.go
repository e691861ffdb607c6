package attributes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/zjrosen/attrset/internal/cachemanager"
	"github.com/zjrosen/attrset/internal/isolation"
	"github.com/zjrosen/attrset/internal/metrics"
	"github.com/zjrosen/attrset/internal/pubsub"
	"github.com/zjrosen/attrset/internal/tracing"
)

// mapSet is a Set that is not a *Node.
type mapSet struct {
	keys   []Key
	values map[Key]isolation.Isolated
}

func newMapSet(t *testing.T, pairs ...any) *mapSet {
	t.Helper()
	m := &mapSet{values: make(map[Key]isolation.Isolated)}
	for i := 0; i < len(pairs); i += 2 {
		key := pairs[i].(Key)
		if _, ok := m.values[key]; !ok {
			m.keys = append(m.keys, key)
		}
		m.values[key] = isolated(t, pairs[i+1])
	}
	return m
}

func (m *mapSet) Keys() []Key { return m.keys }

func (m *mapSet) Contains(key Key) bool {
	_, ok := m.values[key]
	return ok
}

func (m *mapSet) Get(key Key) (isolation.Isolated, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *mapSet) IsEmpty() bool { return len(m.keys) == 0 }

func TestScenario_IdentityIsolation(t *testing.T) {
	k1 := KeyOf[string]("K1")
	k2 := KeyOf[string]("K2")
	e := identityEngine()

	a, err := e.Of(k1, "x")
	require.NoError(t, err)
	b, err := e.Concat(a, k2, "y")
	require.NoError(t, err)
	c, err := e.Concat(a, k2, "y")
	require.NoError(t, err)
	require.Same(t, b, c)

	d, err := e.Concat(b, k1, "z")
	require.NoError(t, err)
	require.Equal(t, "z", value(t, d, k1))
	require.Equal(t, "y", value(t, d, k2))
	require.Equal(t, "x", value(t, b, k1))
}

func TestOf_ChainEndsAtRoot(t *testing.T) {
	e := identityEngine()
	for _, os := range []string{"linux", "darwin", "windows"} {
		n, err := e.Of(osKey, os)
		require.NoError(t, err)
		require.Same(t, e.Root(), n.Parent())
	}
	require.Empty(t, e.Root().Keys())
	require.Len(t, e.Children(e.Root()), 3)
}

func TestConcat_Deterministic(t *testing.T) {
	e := New()
	a := build(t, e, nil, osKey, "linux", archKey, "x86", levelKey, 3)
	b := build(t, e, nil, osKey, "linux", archKey, "x86", levelKey, 3)
	require.Same(t, a, b)

	// Order is part of the path
	c := build(t, e, nil, archKey, "x86", osKey, "linux", levelKey, 3)
	require.NotSame(t, a, c)
	require.True(t, Equal(a, c))
}

func TestConcat_Idempotent(t *testing.T) {
	e := identityEngine()
	n := build(t, e, nil, osKey, "linux")

	once, err := e.Concat(n, archKey, "x86")
	require.NoError(t, err)
	twice, err := e.Concat(once, archKey, "x86")
	require.NoError(t, err)
	require.Same(t, once, twice)

	// Re-adding a value that is already visible further up is a no-op too
	again, err := e.Concat(twice, osKey, "linux")
	require.NoError(t, err)
	require.Same(t, once, again)
}

func TestConcat_ShadowingNotMutation(t *testing.T) {
	e := identityEngine()
	first := build(t, e, nil, osKey, "linux")
	second := build(t, e, first, osKey, "darwin")

	require.NotSame(t, first, second)
	require.Equal(t, "darwin", value(t, second, osKey))
	require.Equal(t, "linux", value(t, first, osKey))

	// Switching back creates a third node rather than reusing first
	third := build(t, e, second, osKey, "linux")
	require.NotSame(t, first, third)
	require.True(t, Equal(first, third))
}

func TestConcat_SnapshotCopiesValue(t *testing.T) {
	tagsKey := KeyOf[[]string]("tags")
	e := New()

	tags := []string{"fast", "small"}
	n, err := e.Of(tagsKey, tags)
	require.NoError(t, err)

	tags[0] = "slow"
	require.Equal(t, []string{"fast", "small"}, value(t, n, tagsKey))

	same, err := e.Of(tagsKey, []string{"fast", "small"})
	require.NoError(t, err)
	require.Same(t, n, same)
}

func TestConcat_IsolationErrorsPropagateUnchanged(t *testing.T) {
	boom := errors.New("boom")
	e := New(WithIsolator(isolation.IsolatorFunc(func(any) (isolation.Isolated, error) {
		return nil, boom
	})))

	n, err := e.Of(osKey, "linux")
	require.Nil(t, n)
	require.Same(t, boom, err)

	_, err = New().Of(osKey, nil)
	require.ErrorIs(t, err, isolation.ErrNilValue)

	_, err = identityEngine().Of(KeyOf[[]string]("tags"), []string{"a"})
	require.ErrorIs(t, err, isolation.ErrNotComparable)

	require.Equal(t, 1, e.Stats().Nodes, "nothing was created")
}

type hiddenLevel struct {
	level int
}

type stringer string

func (s stringer) String() string { return string(s) }

type boxedStringer struct {
	S fmt.Stringer
}

type anyValue struct {
	V any
}

func TestConcat_UnsafeValuesFailUpFront(t *testing.T) {
	t.Run("unexported state", func(t *testing.T) {
		e := New()
		key := KeyOf[hiddenLevel]("level")

		n, err := e.Of(key, hiddenLevel{level: 1})
		require.ErrorIs(t, err, isolation.ErrUnencodable)
		require.Nil(t, n)

		_, err = e.Of(key, hiddenLevel{level: 2})
		require.ErrorIs(t, err, isolation.ErrUnencodable)
		require.Equal(t, 1, e.Stats().Nodes, "no node for values that would collide")
	})

	t.Run("does not decode", func(t *testing.T) {
		e := New()
		n, err := e.Of(KeyOf[boxedStringer]("label"), boxedStringer{S: stringer("x")})
		require.ErrorIs(t, err, isolation.ErrUnencodable)
		require.Nil(t, n)
	})

	t.Run("uncomparable content", func(t *testing.T) {
		e := identityEngine()
		key := KeyOf[anyValue]("box")

		_, err := e.Of(key, anyValue{V: []int{1}})
		require.ErrorIs(t, err, isolation.ErrNotComparable)
		require.NotPanics(t, func() {
			_, err = e.Of(key, anyValue{V: []int{1}})
		})
		require.ErrorIs(t, err, isolation.ErrNotComparable)
	})
}

func TestConcat_NilNodeIsEmptySet(t *testing.T) {
	e := identityEngine()
	var nilNode *Node

	n, err := e.Concat(nilNode, osKey, "linux")
	require.NoError(t, err)
	require.Same(t, build(t, e, nil, osKey, "linux"), n)

	require.Same(t, n, e.Merge(nilNode, n))
	require.Same(t, n, e.Merge(n, nilNode))
	require.Same(t, e.Root(), e.MutableFrom(nilNode).AsImmutable())
}

func TestConcatIsolated(t *testing.T) {
	e := identityEngine()
	iso := isolated(t, "linux")

	a := e.ConcatIsolated(e.Root(), osKey, iso)
	b, err := e.Of(osKey, "linux")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, iso, a.Value())
}

func TestMerge_Precedence(t *testing.T) {
	x := KeyOf[int]("x")
	y := KeyOf[int]("y")
	z := KeyOf[int]("z")
	e := identityEngine()

	a := build(t, e, nil, x, 1, y, 2)
	b := build(t, e, nil, y, 9, z, 3)

	merged := e.Merge(a, b)
	require.Equal(t, 1, value(t, merged, x))
	require.Equal(t, 9, value(t, merged, y))
	require.Equal(t, 3, value(t, merged, z))
	require.Equal(t, 3, merged.Len())

	// Built from b: b's chain is a prefix of the result
	require.Same(t, b, merged.Parent())
	require.Equal(t, []Key{y, z, x}, merged.Keys())
}

func TestMerge_EmptySet(t *testing.T) {
	e := identityEngine()
	n := build(t, e, nil, osKey, "linux", archKey, "x86")

	require.Same(t, n, e.Merge(e.Root(), n))
	require.Same(t, n, e.Merge(n, e.Root()))
	require.Same(t, n, e.Merge(nil, n))
	require.Same(t, e.Root(), e.Merge(e.Root(), e.Root()))
}

func TestMerge_Self(t *testing.T) {
	e := identityEngine()
	n := build(t, e, nil, osKey, "linux", archKey, "x86")
	require.Same(t, n, e.Merge(n, n))
}

func TestMerge_ForeignSet(t *testing.T) {
	e := identityEngine()
	foreign := newMapSet(t, osKey, "darwin", archKey, "arm64")
	native := build(t, e, nil, osKey, "linux")

	require.False(t, e.Owns(foreign))
	require.True(t, e.Owns(native))

	merged := e.Merge(foreign, native)
	require.True(t, e.Owns(merged))
	require.Equal(t, "linux", value(t, merged, osKey))
	require.Equal(t, "arm64", value(t, merged, archKey))

	// The foreign set is adopted by content
	adopted := e.Merge(native, foreign)
	want := build(t, e, nil, osKey, "darwin", archKey, "arm64")
	require.Same(t, want, adopted)
}

func TestConcat_ForeignBase(t *testing.T) {
	e := identityEngine()
	foreign := newMapSet(t, osKey, "linux")

	n, err := e.Concat(foreign, archKey, "x86")
	require.NoError(t, err)
	require.Same(t, build(t, e, nil, osKey, "linux", archKey, "x86"), n)

	empty, err := e.Concat(newMapSet(t), osKey, "linux")
	require.NoError(t, err)
	require.Same(t, e.Root(), empty.Parent())
}

func TestConcat_NodeOfAnotherEngine(t *testing.T) {
	other := identityEngine()
	e := identityEngine()

	theirs := build(t, other, nil, osKey, "linux")
	require.False(t, e.Owns(theirs))

	ours, err := e.Concat(theirs, archKey, "x86")
	require.NoError(t, err)
	require.True(t, e.Owns(ours))
	require.Same(t, build(t, e, nil, osKey, "linux", archKey, "x86"), ours)
	require.Equal(t, 2, other.Stats().Nodes, "the other engine is untouched")
}

func TestMerge_Cache(t *testing.T) {
	cache := cachemanager.NewInMemoryCacheManager[string, *Node]("merge", time.Minute, time.Minute)
	e := identityEngine(WithMergeCache(cache, time.Minute))

	a := build(t, e, nil, osKey, "linux")
	b := build(t, e, nil, archKey, "x86")

	first := e.Merge(a, b)
	second := e.Merge(a, b)
	require.Same(t, first, second)
	require.Equal(t, 1, cache.Len())

	stats := e.Stats()
	require.Equal(t, uint64(2), stats.Merges)
	require.Equal(t, uint64(1), stats.MergeCacheHits)

	// Argument order matters for precedence, so it is a separate entry
	e.Merge(b, a)
	require.Equal(t, 2, cache.Len())
}

func TestMerge_CacheSharedBetweenEngines(t *testing.T) {
	cache := cachemanager.NewInMemoryCacheManager[string, *Node]("merge", time.Minute, time.Minute)
	e1 := identityEngine(WithMergeCache(cache, time.Minute))
	e2 := identityEngine(WithMergeCache(cache, time.Minute))

	m1 := e1.Merge(build(t, e1, nil, osKey, "linux"), build(t, e1, nil, archKey, "x86"))
	m2 := e2.Merge(build(t, e2, nil, osKey, "linux"), build(t, e2, nil, archKey, "x86"))

	require.True(t, e1.Owns(m1))
	require.True(t, e2.Owns(m2))
	require.Equal(t, 2, cache.Len())
	require.Zero(t, e2.Stats().MergeCacheHits)
}

func TestMerge_CacheSkipsForeignSets(t *testing.T) {
	cache := cachemanager.NewInMemoryCacheManager[string, *Node]("merge", time.Minute, time.Minute)
	e := identityEngine(WithMergeCache(cache, time.Minute))

	e.Merge(newMapSet(t, osKey, "linux"), e.Root())
	require.Zero(t, cache.Len())
}

func TestEngine_Events(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	broker := pubsub.NewBroker[NodeEvent]()
	defer broker.Close()
	listener := pubsub.NewContinuousListener(ctx, broker)

	e := identityEngine(WithEvents(broker))
	a := build(t, e, nil, osKey, "linux")
	build(t, e, nil, osKey, "linux") // hit, no event
	b := build(t, e, a, archKey, "x86")

	events := listener.Collect(ctx, 2)
	require.Len(t, events, 2)

	require.Equal(t, pubsub.CreatedEvent, events[0].Type)
	require.Equal(t, e.ID(), events[0].Payload.EngineID)
	require.Equal(t, a.ID(), events[0].Payload.NodeID)
	require.Equal(t, uint64(0), events[0].Payload.ParentID)
	require.Equal(t, osKey, events[0].Payload.Key)
	require.Equal(t, "linux", events[0].Payload.Value.Value())

	require.Equal(t, b.ID(), events[1].Payload.NodeID)
	require.Equal(t, a.ID(), events[1].Payload.ParentID)
}

func TestEngine_MergeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	cache := cachemanager.NewInMemoryCacheManager[string, *Node]("merge", time.Minute, time.Minute)
	e := identityEngine(WithTracer(provider.Tracer("test")), WithMergeCache(cache, time.Minute))

	a := build(t, e, nil, osKey, "linux")
	b := build(t, e, nil, archKey, "x86")
	merged := e.MergeContext(context.Background(), a, b)
	e.MergeContext(context.Background(), a, b)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		require.Equal(t, tracing.SpanMerge, span.Name())
		require.Contains(t, span.Attributes(), attribute.String(tracing.AttrEngineID, e.ID()))
		require.Contains(t, span.Attributes(), attribute.Int64(tracing.AttrNodeID, int64(merged.ID())))
	}
	require.Empty(t, spans[0].Events())
	require.Len(t, spans[1].Events(), 1)
	require.Equal(t, tracing.EventMergeCacheHit, spans[1].Events()[0].Name)
}

func TestEngine_Metrics(t *testing.T) {
	e := identityEngine()
	t.Cleanup(func() { metrics.Forget(e.ID()) })

	a := build(t, e, nil, osKey, "linux")
	build(t, e, nil, osKey, "linux")
	e.Merge(a, e.Root())

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.NodesCreated.WithLabelValues(e.ID())))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.DedupHits.WithLabelValues(e.ID())))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Merges.WithLabelValues(e.ID())))
}

func TestEngine_Stats(t *testing.T) {
	e := identityEngine(WithName("stats"))
	require.NotEmpty(t, e.ID())
	require.Equal(t, Stats{Nodes: 1, Parents: 1}, e.Stats())
	require.Equal(t, 1, e.Size())

	a := build(t, e, nil, osKey, "linux", archKey, "x86")
	build(t, e, nil, osKey, "linux")
	build(t, e, nil, osKey, "darwin")

	require.Equal(t, Stats{Nodes: 4, Parents: 2, Hits: 1, Misses: 3}, e.Stats())
	require.Equal(t, 2, e.Size())
	require.Empty(t, e.Children(a))
}

func TestEngine_IndependentInstances(t *testing.T) {
	e1, e2 := New(), New()
	require.NotEqual(t, e1.ID(), e2.ID())
	require.NotSame(t, e1.Root(), e2.Root())

	a := build(t, e1, nil, osKey, "linux")
	require.Equal(t, 1, e2.Stats().Nodes)
	require.False(t, e2.Owns(a))
}

func TestConcat_Concurrent(t *testing.T) {
	const workers = 64
	e := New()

	var wg sync.WaitGroup
	start := make(chan struct{})
	nodes := make([]*Node, workers)
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			n, err := e.Of(osKey, "linux")
			if err != nil {
				t.Error(err)
				return
			}
			nodes[i] = n
		}(i)
	}
	close(start)
	wg.Wait()

	for _, n := range nodes {
		require.Same(t, nodes[0], n)
	}
	require.Len(t, e.Children(e.Root()), 1)

	stats := e.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(workers-1), stats.Hits)
}

func TestConcat_ConcurrentPaths(t *testing.T) {
	const workers = 16
	e := New()
	paths := [][]any{
		{osKey, "linux", archKey, "x86"},
		{osKey, "linux", archKey, "arm64"},
		{archKey, "x86", osKey, "linux"},
		{osKey, "darwin", levelKey, 1, levelKey, 2},
	}

	var wg sync.WaitGroup
	results := make([][]*Node, workers)
	for w := range results {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range paths {
				// Each worker walks the paths in a different order
				p := paths[(i+w)%len(paths)]
				cur := e.Root()
				for j := 0; j < len(p); j += 2 {
					next, err := e.Concat(cur, p[j].(Key), p[j+1])
					if err != nil {
						t.Error(err)
						return
					}
					cur = next
				}
				results[w] = append(results[w], cur)
			}
		}(w)
	}
	wg.Wait()

	for w, got := range results {
		for i := range paths {
			require.Same(t, results[0][(i+w)%len(paths)], got[i], "worker %d path %d", w, (i+w)%len(paths))
		}
	}
	// root, linux, linux/x86, linux/arm64, x86, x86/linux, darwin, darwin/1, darwin/1/2
	require.Equal(t, 9, e.Stats().Nodes)
}

var (
	propKeys   = []Key{osKey, archKey, KeyOf[string]("variant"), KeyOf[string]("flavor")}
	propValues = []string{"a", "b", "c"}
)

type pair struct {
	key   Key
	value string
}

func drawPairs(r *rapid.T, label string) []pair {
	n := rapid.IntRange(0, 8).Draw(r, label+"_len")
	pairs := make([]pair, n)
	for i := range pairs {
		pairs[i] = pair{
			key:   rapid.SampledFrom(propKeys).Draw(r, label+"_key"),
			value: rapid.SampledFrom(propValues).Draw(r, label+"_value"),
		}
	}
	return pairs
}

func buildPairs(r *rapid.T, e *Engine, pairs []pair) (*Node, map[string]any) {
	model := make(map[string]any)
	cur := e.Root()
	for _, p := range pairs {
		next, err := e.Concat(cur, p.key, p.value)
		if err != nil {
			r.Fatalf("concat: %v", err)
		}
		cur = next
		model[p.key.Name()] = p.value
	}
	return cur, model
}

func TestProperty_ConcatIdempotent(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		e := identityEngine()
		n, _ := buildPairs(r, e, drawPairs(r, "base"))
		key := rapid.SampledFrom(propKeys).Draw(r, "key")
		v := rapid.SampledFrom(propValues).Draw(r, "value")

		once, err := e.Concat(n, key, v)
		if err != nil {
			r.Fatal(err)
		}
		twice, err := e.Concat(once, key, v)
		if err != nil {
			r.Fatal(err)
		}
		if once != twice {
			r.Fatalf("concat(concat(n,k,v),k,v) = %#v, want %#v", twice, once)
		}
	})
}

func TestProperty_SamePathSameNode(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		e := New()
		pairs := drawPairs(r, "path")
		a, _ := buildPairs(r, e, pairs)
		b, _ := buildPairs(r, e, pairs)
		if a != b {
			r.Fatalf("same path gave %#v and %#v", a, b)
		}
	})
}

func TestProperty_GetMatchesLastWrite(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		e := identityEngine()
		n, model := buildPairs(r, e, drawPairs(r, "path"))

		got := Values(n)
		if len(got) != len(model) {
			r.Fatalf("Values(%v) has %d keys, want %d", n, len(got), len(model))
		}
		for name, want := range model {
			if got[name] != want {
				r.Fatalf("%s = %v, want %v", name, got[name], want)
			}
		}
	})
}

func TestProperty_MergeMatchesMapModel(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		e := identityEngine()
		a, modelA := buildPairs(r, e, drawPairs(r, "a"))
		b, modelB := buildPairs(r, e, drawPairs(r, "b"))

		want := make(map[string]any, len(modelA)+len(modelB))
		for k, v := range modelA {
			want[k] = v
		}
		for k, v := range modelB {
			want[k] = v
		}

		merged := e.Merge(a, b)
		got := Values(merged)
		if len(got) != len(want) {
			r.Fatalf("merge(%v, %v) = %v, want %v", a, b, got, want)
		}
		for k, v := range want {
			if got[k] != v {
				r.Fatalf("merge(%v, %v)[%s] = %v, want %v", a, b, k, got[k], v)
			}
		}
		if e.Merge(a, b) != merged {
			r.Fatalf("merge is not deterministic")
		}
	})
}
