package tracing

// Span names recorded by the interning engine and the CLI.
const (
	SpanMerge    = "attributes.merge"
	SpanManifest = "manifest.intern"
	SpanStress   = "stress.run"
)

// Span attribute keys.
const (
	AttrEngineID   = "engine.id"
	AttrNodeID     = "node.id"
	AttrSetName    = "set.name"
	AttrSetCount   = "set.count"
	AttrWorkers    = "stress.workers"
	AttrIterations = "stress.iterations"
)

// Event names for span events.
const (
	EventMergeCacheHit = "merge.cache_hit"
	EventSetInterned   = "set.interned"
)
