// Package manifest loads attribute-set manifests and interns them through
// an attributes.Engine.
//
// A manifest declares typed keys, named sets built on top of earlier
// sets, and named merges of two earlier sets or merges:
//
//	keys:
//	  - name: os
//	    type: string
//	sets:
//	  - name: linux
//	    attributes:
//	      os: linux
//	  - name: linux-debug
//	    base: linux
//	    attributes:
//	      debug: true
//	merges:
//	  - name: combined
//	    a: linux
//	    b: linux-debug
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/attrset/internal/attributes"
	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/tracing"
)

// Manifest errors
var (
	ErrDuplicateName = errors.New("name already defined")
	ErrUnknownSet    = errors.New("set not defined")
	ErrEmptyName     = errors.New("name is required")
	ErrBadAttributes = errors.New("attributes must be a mapping")
)

// Manifest is the decoded form of a manifest file.
type Manifest struct {
	Keys   []KeySpec   `yaml:"keys"`
	Sets   []SetSpec   `yaml:"sets"`
	Merges []MergeSpec `yaml:"merges"`
}

// KeySpec declares an attribute key. Type is one of the names accepted
// by attributes.TypeByName.
type KeySpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// SetSpec declares a set as Base extended with Attributes, applied in
// document order. An empty Base is the empty set.
type SetSpec struct {
	Name       string    `yaml:"name"`
	Base       string    `yaml:"base"`
	Attributes yaml.Node `yaml:"attributes"`
}

// MergeSpec declares the merge of A and B; B's values win.
type MergeSpec struct {
	Name string `yaml:"name"`
	A    string `yaml:"a"`
	B    string `yaml:"b"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest. Unknown fields are rejected; an empty
// document is an empty manifest.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	log.Debug(log.CatManifest, "parsed manifest", "keys", len(m.Keys), "sets", len(m.Sets), "merges", len(m.Merges))
	return &m, nil
}

// Entry is one named result.
type Entry struct {
	Name string
	Node *attributes.Node
}

// Result holds the interned sets and merges in manifest order: sets
// first, then merges.
type Result struct {
	Entries []Entry
}

// Lookup returns the node interned under name.
func (r *Result) Lookup(name string) (*attributes.Node, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e.Node, true
		}
	}
	return nil, false
}

// Groups returns the names that resolved to the same node, for every node
// reached by more than one name. Groups and their members are in manifest
// order.
func (r *Result) Groups() [][]string {
	index := make(map[*attributes.Node]int)
	var groups [][]string
	for _, e := range r.Entries {
		i, ok := index[e.Node]
		if !ok {
			index[e.Node] = len(groups)
			groups = append(groups, []string{e.Name})
			continue
		}
		groups[i] = append(groups[i], e.Name)
	}

	shared := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			shared = append(shared, g)
		}
	}
	return shared
}

// Apply registers the manifest's keys in keys and interns its sets and
// merges through engine.
func Apply(ctx context.Context, engine *attributes.Engine, keys *attributes.KeyRegistry, m *Manifest) (*Result, error) {
	tracer := otel.Tracer("attrset/manifest")
	ctx, span := tracer.Start(ctx, tracing.SpanManifest, trace.WithAttributes(
		attribute.String(tracing.AttrEngineID, engine.ID()),
		attribute.Int(tracing.AttrSetCount, len(m.Sets)+len(m.Merges)),
	))
	defer span.End()

	for _, spec := range m.Keys {
		if spec.Name == "" {
			return nil, fmt.Errorf("key: %w", ErrEmptyName)
		}
		typ, err := attributes.TypeByName(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", spec.Name, err)
		}
		if _, err := keys.Register(spec.Name, typ); err != nil {
			return nil, fmt.Errorf("key %q: %w", spec.Name, err)
		}
	}

	result := &Result{}
	defined := make(map[string]*attributes.Node)
	resolve := func(name string) (*attributes.Node, error) {
		if name == "" {
			return engine.Root(), nil
		}
		n, ok := defined[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSet, name)
		}
		return n, nil
	}
	define := func(name string, n *attributes.Node) error {
		if name == "" {
			return ErrEmptyName
		}
		if _, ok := defined[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		defined[name] = n
		result.Entries = append(result.Entries, Entry{Name: name, Node: n})
		span.AddEvent(tracing.EventSetInterned, trace.WithAttributes(
			attribute.String(tracing.AttrSetName, name),
			attribute.Int64(tracing.AttrNodeID, int64(n.ID())),
		))
		return nil
	}

	for _, spec := range m.Sets {
		base, err := resolve(spec.Base)
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", spec.Name, err)
		}
		n, err := internSet(engine, keys, base, &spec.Attributes)
		if err != nil {
			return nil, fmt.Errorf("set %q: %w", spec.Name, err)
		}
		if err := define(spec.Name, n); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
	}

	for _, spec := range m.Merges {
		a, err := resolve(spec.A)
		if err != nil {
			return nil, fmt.Errorf("merge %q: %w", spec.Name, err)
		}
		b, err := resolve(spec.B)
		if err != nil {
			return nil, fmt.Errorf("merge %q: %w", spec.Name, err)
		}
		if err := define(spec.Name, engine.MergeContext(ctx, a, b)); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
	}

	log.Info(log.CatManifest, "manifest interned", "entries", len(result.Entries), "nodes", engine.Stats().Nodes)
	return result, nil
}

func internSet(engine *attributes.Engine, keys *attributes.KeyRegistry, base *attributes.Node, attrs *yaml.Node) (*attributes.Node, error) {
	if attrs.Kind == 0 || attrs.Tag == "!!null" {
		return base, nil
	}
	if attrs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w (line %d)", ErrBadAttributes, attrs.Line)
	}

	cur := base
	for i := 0; i+1 < len(attrs.Content); i += 2 {
		name := attrs.Content[i].Value
		key, err := keys.Lookup(name)
		if err != nil {
			return nil, err
		}
		value, err := decodeValue(attrs.Content[i+1], key.Type())
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		cur, err = engine.Concat(cur, key, value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
	}
	return cur, nil
}

// decodeValue decodes a YAML value into a fresh value of typ.
func decodeValue(node *yaml.Node, typ reflect.Type) (any, error) {
	ptr := reflect.New(typ)
	if err := node.Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("line %d: want %s: %w", node.Line, typ, err)
	}
	return ptr.Elem().Interface(), nil
}
