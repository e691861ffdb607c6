package attributes

import (
	"sync"

	"github.com/zjrosen/attrset/internal/isolation"
)

// registry maps each node to the children created on top of it. It is the
// only mutable state of an Engine and grows for the engine's lifetime.
type registry struct {
	mu       sync.Mutex
	children map[*Node][]*Node
	nextID   uint64
	created  int
}

func newRegistry(root *Node) *registry {
	return &registry{
		children: map[*Node][]*Node{root: {}},
		nextID:   1,
		created:  1,
	}
}

// child returns the child of parent for (key, value), creating and
// recording it if none exists. The scan and the append happen under one
// lock so that concurrent callers agree on a single node.
func (r *registry) child(parent *Node, key Key, value isolation.Isolated) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	siblings, ok := r.children[parent]
	if !ok {
		siblings = []*Node{}
	}
	for _, c := range siblings {
		if c.key == key && c.value.Equal(value) {
			return c, false
		}
	}

	c := newNode(parent, key, value, r.nextID)
	r.nextID++
	r.created++
	r.children[parent] = append(siblings, c)
	return c, true
}

// len returns the number of nodes that have been used as a parent,
// including the root.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

// nodes returns the number of nodes created, including the root.
func (r *registry) nodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// childrenOf returns a copy of the children recorded for parent.
func (r *registry) childrenOf(parent *Node) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Node, len(r.children[parent]))
	copy(out, r.children[parent])
	return out
}
