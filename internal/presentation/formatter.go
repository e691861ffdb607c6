package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	json   bool
}

// NewFormatter creates a new formatter. With asJSON set every result is
// written as indented JSON, otherwise as plain text.
func NewFormatter(writer io.Writer, asJSON bool) *Formatter {
	return &Formatter{
		writer: writer,
		json:   asJSON,
	}
}

// FormatInternResult writes every set as "name #id {k=v, ...}" followed
// by the groups of names that share a node.
func (f *Formatter) FormatInternResult(result InternResultDTO) error {
	if f.json {
		return f.encode(result)
	}

	width := 0
	for _, s := range result.Sets {
		width = max(width, len(s.Name))
	}
	for _, s := range result.Sets {
		if _, err := fmt.Fprintf(f.writer, "%-*s #%d %s\n", width, s.Name, s.ID, formatAttributes(s.Attributes)); err != nil {
			return err
		}
	}
	for _, g := range result.Groups {
		if _, err := fmt.Fprintf(f.writer, "same node: %s\n", strings.Join(g, ", ")); err != nil {
			return err
		}
	}
	return f.formatStats(result.Stats)
}

// FormatStressResult writes the outcome of a stress run.
func (f *Formatter) FormatStressResult(result StressResultDTO) error {
	if f.json {
		return f.encode(result)
	}

	verdict := "consistent"
	if !result.Consistent {
		verdict = "INCONSISTENT"
	}
	if _, err := fmt.Fprintf(f.writer, "%d workers x %d iterations: %d distinct sets, %s (%s)\n",
		result.Workers, result.Iterations, result.Distinct, verdict, result.Elapsed); err != nil {
		return err
	}
	if err := f.formatStats(result.Stats); err != nil {
		return err
	}
	for _, m := range result.Metrics {
		if _, err := fmt.Fprintf(f.writer, "%s{engine=%q} %g\n", m.Name, m.Engine, m.Value); err != nil {
			return err
		}
	}
	return nil
}

func (f *Formatter) formatStats(s StatsDTO) error {
	_, err := fmt.Fprintf(f.writer, "nodes=%d parents=%d hits=%d misses=%d merges=%d merge_cache_hits=%d\n",
		s.Nodes, s.Parents, s.Hits, s.Misses, s.Merges, s.MergeCacheHits)
	return err
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatAttributes(attrs []AttributeDTO) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, a := range attrs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", a.Key, a.Value)
	}
	b.WriteByte('}')
	return b.String()
}
