// Package condition implements the static error/status flag tree from
// spec §4.6, grounded on the original's conditions.py tree-of-conditions
// and the teacher's Client.setOnline reachability tracking
// (shared/pkg/client/client.go), generalized from one boolean to an
// arbitrary named hierarchy.
package condition

import (
	"sync"
	"time"
)

// Node is one named condition in the tree (e.g. INTERNET, HTTP, TOKEN).
type Node struct {
	Name       string
	OK         bool
	ChangedAt  time.Time
	children   []*Node
	parent     *Node
}

// Children returns the node's direct children.
func (n *Node) Children() []*Node { return n.children }

// Effective reports the node's conjoined state: a node cannot be OK
// while any ancestor is not OK (spec §4.6).
func (n *Node) Effective() bool {
	for cur := n; cur != nil; cur = cur.parent {
		if !cur.OK {
			return false
		}
	}
	return true
}

// Tree is a declared-at-startup hierarchy of Conditions plus the
// coalescing state needed to emit at most one change event per subtree
// within a 200ms window (spec §4.6).
type Tree struct {
	mu    sync.Mutex
	root  *Node
	byName map[string]*Node

	coalesceWindow time.Duration
	pending        map[string]time.Time // subtree root name -> fire time
	onChange       func(name string, ok bool, reason string)
}

// Build constructs a Tree from a root name and a map of parent -> child
// names describing the hierarchy, e.g. for INTERNET > HTTP > TOKEN > API:
//
//	Build("INTERNET", map[string][]string{"INTERNET": {"HTTP"}, "HTTP": {"TOKEN"}, "TOKEN": {"API"}})
func Build(rootName string, edges map[string][]string) *Tree {
	t := &Tree{
		byName:         make(map[string]*Node),
		coalesceWindow: 200 * time.Millisecond,
		pending:        make(map[string]time.Time),
	}
	t.root = t.node(rootName)
	t.root.OK = true

	var link func(name string)
	link = func(name string) {
		parent := t.byName[name]
		for _, childName := range edges[name] {
			child := t.node(childName)
			child.parent = parent
			child.OK = true
			parent.children = append(parent.children, child)
			link(childName)
		}
	}
	link(rootName)
	return t
}

func (t *Tree) node(name string) *Node {
	if n, ok := t.byName[name]; ok {
		return n
	}
	n := &Node{Name: name, OK: true, ChangedAt: time.Now()}
	t.byName[name] = n
	return n
}

// OnChange registers a callback fired once per coalesced change,
// emitting the spec's CONDITION_CHANGED-style notification.
func (t *Tree) OnChange(fn func(name string, ok bool, reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Set updates a named condition's boolean state. If the raw value
// differs from the node's current value, the change is coalesced: at
// most one callback fires per node per coalesceWindow.
func (t *Tree) Set(name string, ok bool, reason string) {
	t.mu.Lock()
	n, exists := t.byName[name]
	if !exists {
		t.mu.Unlock()
		return
	}
	if n.OK == ok {
		t.mu.Unlock()
		return
	}

	n.OK = ok
	n.ChangedAt = time.Now()
	cb := t.onChange
	window := t.coalesceWindow
	last, pending := t.pending[name]
	shouldFire := !pending || time.Since(last) >= window
	if shouldFire {
		t.pending[name] = time.Now()
	}
	t.mu.Unlock()

	if shouldFire && cb != nil {
		cb(name, ok, reason)
	}
}

// Get reports a node's own boolean and its effective (ancestor-conjoined)
// state.
func (t *Tree) Get(name string) (own bool, effective bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, exists := t.byName[name]
	if !exists {
		return false, false, false
	}
	return n.OK, n.Effective(), true
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}
