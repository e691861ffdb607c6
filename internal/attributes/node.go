package attributes

import (
	"strconv"
	"strings"

	"github.com/zjrosen/attrset/internal/isolation"
)

// Set is read-only access to an attribute set. *Node is the engine's
// implementation; other implementations can be passed to the engine and
// are adopted by re-interning their content.
type Set interface {
	// Keys returns each key once, in order of first insertion.
	Keys() []Key

	// Contains reports whether the set has a value for key.
	Contains(key Key) bool

	// Get returns the value for key. A missing key is (nil, false).
	Get(key Key) (isolation.Isolated, bool)

	// IsEmpty reports whether the set has no attributes.
	IsEmpty() bool
}

// Node is an immutable attribute set: the set of its parent plus one
// (key, value) pair. Nodes are only created by an Engine, which
// guarantees one node per (parent, key, value).
type Node struct {
	parent *Node
	root   *Node
	key    Key
	value  isolation.Isolated
	id     uint64
	depth  int
}

// newRoot creates the empty set of an engine.
func newRoot() *Node {
	n := &Node{}
	n.root = n
	return n
}

func newNode(parent *Node, key Key, value isolation.Isolated, id uint64) *Node {
	return &Node{
		parent: parent,
		root:   parent.root,
		key:    key,
		value:  value,
		id:     id,
		depth:  parent.depth + 1,
	}
}

// ID returns the node's sequence number within its engine. The empty
// set is 0.
func (n *Node) ID() uint64 {
	return n.id
}

// Parent returns the set this node extends, or nil for the empty set.
func (n *Node) Parent() *Node {
	return n.parent
}

// Key returns the key added at this node. The empty set has the zero Key.
func (n *Node) Key() Key {
	return n.key
}

// Value returns the value added at this node. The empty set has nil.
func (n *Node) Value() isolation.Isolated {
	return n.value
}

// Depth is the number of (key, value) pairs on the path to the root,
// counting shadowed entries.
func (n *Node) Depth() int {
	return n.depth
}

// IsEmpty reports whether n is the empty set.
func (n *Node) IsEmpty() bool {
	return n.parent == nil
}

// Keys returns the distinct keys of the set, ordered from the root
// outwards by first insertion.
func (n *Node) Keys() []Key {
	path := n.path()
	keys := make([]Key, 0, len(path))
	seen := make(map[Key]bool, len(path))
	for _, node := range path {
		if !seen[node.key] {
			seen[node.key] = true
			keys = append(keys, node.key)
		}
	}
	return keys
}

// Len returns the number of distinct keys.
func (n *Node) Len() int {
	return len(n.Keys())
}

// Contains reports whether key is present anywhere on the path to the root.
func (n *Node) Contains(key Key) bool {
	_, ok := n.Get(key)
	return ok
}

// Get returns the value of the nearest node carrying key, starting at n.
// Values concatenated later shadow earlier ones for the same key.
func (n *Node) Get(key Key) (isolation.Isolated, bool) {
	for cur := n; cur.parent != nil; cur = cur.parent {
		if cur.key == key {
			return cur.value, true
		}
	}
	return nil, false
}

func (n *Node) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, key := range n.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		value, _ := n.Get(key)
		b.WriteString(key.Name())
		b.WriteByte('=')
		b.WriteString(value.String())
	}
	b.WriteByte('}')
	return b.String()
}

// GoString includes the node id, which identifies the node within its engine.
func (n *Node) GoString() string {
	return "#" + strconv.FormatUint(n.id, 10) + n.String()
}

// path returns the non-root nodes from the root down to n.
func (n *Node) path() []*Node {
	path := make([]*Node, n.depth)
	for cur := n; cur.parent != nil; cur = cur.parent {
		path[cur.depth-1] = cur
	}
	return path
}

// Equal reports whether a and b hold the same keys with equal values.
// Nodes of one engine that are the same instance are equal without
// walking either set.
func Equal(a, b Set) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if na, ok := a.(*Node); ok {
		if nb, ok := b.(*Node); ok && na == nb {
			return true
		}
	}

	keys := a.Keys()
	if len(keys) != len(b.Keys()) {
		return false
	}
	for _, key := range keys {
		va, okA := a.Get(key)
		vb, okB := b.Get(key)
		if okA != okB {
			return false
		}
		if okA && !va.Equal(vb) {
			return false
		}
	}
	return true
}

// isNil treats a nil *Node stored in a Set like a nil Set.
func isNil(s Set) bool {
	if s == nil {
		return true
	}
	n, ok := s.(*Node)
	return ok && n == nil
}

// Values returns the decoded values of s keyed by attribute name.
func Values(s Set) map[string]any {
	if isNil(s) {
		return map[string]any{}
	}
	keys := s.Keys()
	values := make(map[string]any, len(keys))
	for _, key := range keys {
		if v, ok := s.Get(key); ok {
			values[key.Name()] = v.Value()
		}
	}
	return values
}
