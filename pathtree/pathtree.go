// Package pathtree collects the mutation paths recorded between two
// broadcast flushes and reduces them to the minimal set of subtrees that
// must be republished.
//
// Paths are sequences of object keys (string) and array indices (int).
// A path added to the tree is terminal: it marks its whole subtree as
// dirty. Adding a path below an existing terminal is a no-op, and adding
// a path above existing terminals subsumes them. Enumeration returns the
// surviving terminals shortest-first so a flush revalidates ancestors
// before descendants.
package pathtree

import (
	"fmt"
	"sort"
)

type node struct {
	children map[any]*node
	keys     []any // child creation order, for deterministic walks
	terminal bool
	seq      int // insertion tick when the terminal was set
}

func newNode() *node {
	return &node{children: make(map[any]*node)}
}

// Tree is a prefix tree of pending mutation paths. The zero value is not
// usable; create instances with New. Tree is not safe for concurrent use;
// callers serialize access (the shared object holds its own lock).
type Tree struct {
	root  *node
	count int // number of terminal nodes
	ticks int // monotonic insertion counter
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// Add marks path as dirty. The empty path is legal and subsumes every
// other entry. Segments must be string or int; other types indicate a
// caller bug and panic.
func (t *Tree) Add(path []any) {
	t.ticks++
	cur := t.root
	if cur.terminal {
		return // everything already subsumed by the root
	}
	for _, raw := range path {
		seg := normalizeSegment(raw)
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
			cur.keys = append(cur.keys, seg)
		}
		if next.terminal {
			return // an ancestor already covers this path
		}
		cur = next
	}
	// Subsume any terminals below the new one.
	t.count -= countTerminals(cur)
	cur.children = make(map[any]*node)
	cur.keys = nil
	cur.terminal = true
	cur.seq = t.ticks
	t.count++
}

// Paths returns the terminal paths shortest-first; equal-length paths
// keep their insertion order. The returned slices are fresh copies.
func (t *Tree) Paths() [][]any {
	type entry struct {
		path []any
		seq  int
	}
	var entries []entry
	var walk func(n *node, prefix []any)
	walk = func(n *node, prefix []any) {
		if n.terminal {
			p := make([]any, len(prefix))
			copy(p, prefix)
			entries = append(entries, entry{path: p, seq: n.seq})
			return
		}
		for _, k := range n.keys {
			walk(n.children[k], append(prefix, k))
		}
	}
	walk(t.root, nil)
	sort.SliceStable(entries, func(i, j int) bool {
		if len(entries[i].path) != len(entries[j].path) {
			return len(entries[i].path) < len(entries[j].path)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([][]any, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

// Clear removes every pending path.
func (t *Tree) Clear() {
	t.root = newNode()
	t.count = 0
}

// Empty reports whether no paths are pending.
func (t *Tree) Empty() bool {
	return t.count == 0
}

// Len returns the number of pending terminal paths.
func (t *Tree) Len() int {
	return t.count
}

func countTerminals(n *node) int {
	if n.terminal {
		return 1
	}
	total := 0
	for _, c := range n.children {
		total += countTerminals(c)
	}
	return total
}

func normalizeSegment(seg any) any {
	switch v := seg.(type) {
	case string:
		return v
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		// JSON-decoded indices arrive as float64.
		if v == float64(int(v)) {
			return int(v)
		}
	}
	panic(fmt.Sprintf("pathtree: invalid path segment %T (%v)", seg, seg))
}
