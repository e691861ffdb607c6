package presentation

import (
	"github.com/zjrosen/attrset/internal/attributes"
	"github.com/zjrosen/attrset/internal/manifest"
	"github.com/zjrosen/attrset/internal/metrics"
)

// SetDTO represents an interned attribute set for presentation
type SetDTO struct {
	Name       string         `json:"name"`
	ID         uint64         `json:"id"`
	Depth      int            `json:"depth"`
	Attributes []AttributeDTO `json:"attributes"` // in key order
}

// AttributeDTO is one key and its current value
type AttributeDTO struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Value  any    `json:"value"`
	Digest string `json:"digest"`
}

// InternResultDTO is the outcome of interning a manifest
type InternResultDTO struct {
	Sets   []SetDTO   `json:"sets"`
	Groups [][]string `json:"groups"` // names that share a node
	Stats  StatsDTO   `json:"stats"`
}

// StatsDTO mirrors attributes.Stats
type StatsDTO struct {
	Nodes          int    `json:"nodes"`
	Parents        int    `json:"parents"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Merges         uint64 `json:"merges"`
	MergeCacheHits uint64 `json:"merge_cache_hits"`
}

// MetricDTO is one gathered counter
type MetricDTO struct {
	Name   string  `json:"name"`
	Engine string  `json:"engine"`
	Value  float64 `json:"value"`
}

// StressResultDTO is the outcome of a stress run
type StressResultDTO struct {
	Workers    int         `json:"workers"`
	Iterations int         `json:"iterations"`
	Distinct   int         `json:"distinct_sets"`
	Consistent bool        `json:"consistent"`
	Elapsed    string      `json:"elapsed"`
	Stats      StatsDTO    `json:"stats"`
	Metrics    []MetricDTO `json:"metrics"`
}

// FromNode converts a node to a DTO.
func FromNode(name string, n *attributes.Node) SetDTO {
	keys := n.Keys()
	attrs := make([]AttributeDTO, 0, len(keys))
	for _, key := range keys {
		value, _ := n.Get(key)
		attrs = append(attrs, AttributeDTO{
			Key:    key.Name(),
			Type:   key.Type().String(),
			Value:  value.Value(),
			Digest: value.Digest(),
		})
	}
	return SetDTO{
		Name:       name,
		ID:         n.ID(),
		Depth:      n.Depth(),
		Attributes: attrs,
	}
}

// FromStats converts engine stats to a DTO.
func FromStats(s attributes.Stats) StatsDTO {
	return StatsDTO{
		Nodes:          s.Nodes,
		Parents:        s.Parents,
		Hits:           s.Hits,
		Misses:         s.Misses,
		Merges:         s.Merges,
		MergeCacheHits: s.MergeCacheHits,
	}
}

// FromSamples converts gathered metric samples to DTOs.
func FromSamples(samples []metrics.Sample) []MetricDTO {
	dtos := make([]MetricDTO, len(samples))
	for i, s := range samples {
		dtos[i] = MetricDTO{Name: s.Name, Engine: s.Engine, Value: s.Value}
	}
	return dtos
}

// FromInternResult converts a manifest result to a DTO.
func FromInternResult(result *manifest.Result, stats attributes.Stats) InternResultDTO {
	sets := make([]SetDTO, len(result.Entries))
	for i, e := range result.Entries {
		sets[i] = FromNode(e.Name, e.Node)
	}
	groups := result.Groups()
	if groups == nil {
		groups = [][]string{}
	}
	return InternResultDTO{
		Sets:   sets,
		Groups: groups,
		Stats:  FromStats(stats),
	}
}
