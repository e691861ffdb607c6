// Package metrics provides Prometheus counters for attribute interning.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attrset"

// Counters are labelled by engine id so that several engines in one
// process report independently.
var (
	NodesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nodes_created_total",
		Help:      "Attribute nodes created by the interning engine",
	}, []string{"engine"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_hits_total",
		Help:      "Concatenations that returned an existing node",
	}, []string{"engine"})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merges_total",
		Help:      "Attribute set merges requested",
	}, []string{"engine"})

	MergeCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_cache_hits_total",
		Help:      "Merges answered from the merge cache",
	}, []string{"engine"})
)

// Sample is one gathered counter value.
type Sample struct {
	Name   string
	Engine string
	Value  float64
}

// Snapshot gathers the attrset counters from the given gatherer, sorted
// by name then engine. A nil gatherer means prometheus.DefaultGatherer.
func Snapshot(g prometheus.Gatherer) ([]Sample, error) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		for _, m := range family.GetMetric() {
			s := Sample{Name: name}
			for _, label := range m.GetLabel() {
				if label.GetName() == "engine" {
					s.Engine = label.GetValue()
				}
			}
			if c := m.GetCounter(); c != nil {
				s.Value = c.GetValue()
			}
			samples = append(samples, s)
		}
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Engine < samples[j].Engine
	})
	return samples, nil
}

// Forget drops the series of an engine.
func Forget(engine string) {
	NodesCreated.DeleteLabelValues(engine)
	DedupHits.DeleteLabelValues(engine)
	Merges.DeleteLabelValues(engine)
	MergeCacheHits.DeleteLabelValues(engine)
}
