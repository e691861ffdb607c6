package attributes

import (
	"fmt"

	"github.com/zjrosen/attrset/internal/isolation"
)

// Container is a mutable builder for an attribute set. Attributes set on
// the container take precedence over those of its parent. A Container is
// not safe for concurrent mutation; AsImmutable hands the result to the
// engine, which is.
type Container struct {
	engine *Engine
	parent Set
	keys   []Key
	values map[Key]isolation.Isolated
}

func newContainer(engine *Engine, parent Set) *Container {
	if isNil(parent) {
		parent = nil
	}
	return &Container{
		engine: engine,
		parent: parent,
		values: make(map[Key]isolation.Isolated),
	}
}

// Attribute sets key to value, replacing any earlier value for key.
func (c *Container) Attribute(key Key, value any) (*Container, error) {
	iso, err := c.engine.isolator.Isolate(value)
	if err != nil {
		return c, fmt.Errorf("attribute %s: %w", key.Name(), err)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = iso
	return c, nil
}

// MustAttribute is Attribute for values known to isolate.
func (c *Container) MustAttribute(key Key, value any) *Container {
	if _, err := c.Attribute(key, value); err != nil {
		panic(err)
	}
	return c
}

// Get returns the container's value for key, falling back to the parent.
func (c *Container) Get(key Key) (isolation.Isolated, bool) {
	if v, ok := c.values[key]; ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.Get(key)
	}
	return nil, false
}

// Contains reports whether the container or its parent has key.
func (c *Container) Contains(key Key) bool {
	_, ok := c.Get(key)
	return ok
}

// Keys returns the parent's keys followed by keys only set on the container.
func (c *Container) Keys() []Key {
	var keys []Key
	seen := make(map[Key]bool)
	if c.parent != nil {
		for _, key := range c.parent.Keys() {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for _, key := range c.keys {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// IsEmpty reports whether neither the container nor its parent has attributes.
func (c *Container) IsEmpty() bool {
	return len(c.keys) == 0 && (c.parent == nil || c.parent.IsEmpty())
}

// AsImmutable interns the container's current content. The container
// stays usable; later changes do not affect the returned node.
func (c *Container) AsImmutable() *Node {
	own := c.engine.root
	for _, key := range c.keys {
		own = c.engine.intern(own, key, c.values[key])
	}
	if c.parent == nil {
		return own
	}
	return c.engine.Merge(c.parent, own)
}
