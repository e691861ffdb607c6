package cmd

import (
	"fmt"

	"github.com/zjrosen/attrset/internal/attributes"
	"github.com/zjrosen/attrset/internal/cachemanager"
	"github.com/zjrosen/attrset/internal/config"
	"github.com/zjrosen/attrset/internal/isolation"
	"github.com/zjrosen/attrset/internal/pubsub"
)

// newEngine builds an engine from the engine section of the config.
// events may be nil.
func newEngine(name string, ec config.EngineConfig, events pubsub.Publisher[attributes.NodeEvent]) (*attributes.Engine, error) {
	opts := []attributes.Option{attributes.WithName(name)}

	switch ec.Isolation {
	case config.IsolationSnapshot, "":
		opts = append(opts, attributes.WithIsolator(isolation.NewSnapshotIsolator()))
	case config.IsolationIdentity:
		opts = append(opts, attributes.WithIsolator(isolation.NewIdentityIsolator()))
	default:
		return nil, fmt.Errorf("unknown isolation %q", ec.Isolation)
	}

	if ec.MergeCache.Enabled {
		cache := cachemanager.NewInMemoryCacheManager[string, *attributes.Node](
			"merge", ec.MergeCache.Expiration, ec.MergeCache.CleanupInterval)
		opts = append(opts, attributes.WithMergeCache(cache, ec.MergeCache.Expiration))
	}

	if provider != nil {
		opts = append(opts, attributes.WithTracer(provider.Tracer()))
	}
	if events != nil {
		opts = append(opts, attributes.WithEvents(events))
	}

	return attributes.New(opts...), nil
}
