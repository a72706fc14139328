// Package state wraps a value tree behind two façades: Tracked funnels
// every write through a path sink so callers can batch republication,
// and View hands the tree to consumers while refusing mutation.
//
// Go has no transparent object proxies, so interception is an explicit
// builder API: node.Set / Delete / Append / SetIndex report the absolute
// path of the write to the sink before the mutation lands. Reads never
// touch the sink.
package state

import (
	"fmt"

	"github.com/adred-codev/wirebus/delta"
)

// Sink receives the absolute path of a write before the mutation takes
// effect, so it may close over pre-values. Sinks must not block.
type Sink func(path []any)

// Tracked is the writable façade over a value tree. It is not safe for
// concurrent use; the owning endpoint serializes access.
type Tracked struct {
	root any
	sink Sink
}

// NewTracked wraps root. A nil sink disables write recording.
func NewTracked(root any, sink Sink) *Tracked {
	if sink == nil {
		sink = func([]any) {}
	}
	return &Tracked{root: root, sink: sink}
}

// Root returns the current underlying value.
func (t *Tracked) Root() any {
	return t.root
}

// View returns a read-only façade over the current value.
func (t *Tracked) View() *View {
	return NewView(t.root)
}

// Get resolves a path without touching the sink.
func (t *Tracked) Get(path ...any) (any, bool) {
	return delta.Get(t.root, path)
}

// At returns a builder scoped to the subtree at path. The subtree does
// not need to exist yet; existence is checked when a write lands.
func (t *Tracked) At(path ...any) *Node {
	return &Node{t: t, path: append([]any(nil), path...)}
}

// Set writes a key directly under the root. See Node.Set.
func (t *Tracked) Set(key any, value any) error {
	return t.At().Set(key, value)
}

// Delete removes a key directly under the root. See Node.Delete.
func (t *Tracked) Delete(key string) error {
	return t.At().Delete(key)
}

// Replace swaps the entire root value. The root's container kind is
// fixed for the lifetime of the tree: an object root stays an object,
// an array root stays an array. The empty path is reported to the
// sink, which subsumes every other pending path.
func (t *Tracked) Replace(value any) error {
	v, err := delta.Clone(value)
	if err != nil {
		return err
	}
	if err := checkRootKind(t.root, v); err != nil {
		return err
	}
	t.sink([]any{})
	t.root = v
	return nil
}

func checkRootKind(cur, next any) error {
	switch cur.(type) {
	case map[string]any:
		if _, ok := next.(map[string]any); !ok {
			return fmt.Errorf("root is an object, replacement is %T", next)
		}
	case []any:
		if _, ok := next.([]any); !ok {
			return fmt.Errorf("root is an array, replacement is %T", next)
		}
	default:
		switch next.(type) {
		case map[string]any, []any:
		default:
			return fmt.Errorf("root must be an object or array, got %T", next)
		}
	}
	return nil
}

// Node is a builder positioned at a path inside a Tracked tree.
type Node struct {
	t    *Tracked
	path []any
}

// At returns a child builder for segments below this node.
func (n *Node) At(segments ...any) *Node {
	p := make([]any, 0, len(n.path)+len(segments))
	p = append(p, n.path...)
	p = append(p, segments...)
	return &Node{t: n.t, path: p}
}

// Path returns the absolute path of this node.
func (n *Node) Path() []any {
	return append([]any(nil), n.path...)
}

// Get resolves a path below this node without touching the sink.
func (n *Node) Get(segments ...any) (any, bool) {
	return delta.Get(n.t.root, n.child(segments...))
}

// Set stores value under key (a string object key or int array index).
// The absolute path reaches the sink before the tree changes. The value
// is cloned and canonicalized on the way in, so later caller-side
// mutation of it cannot bypass the sink.
func (n *Node) Set(key any, value any) error {
	path := n.child(key)
	n.t.sink(path)
	v, err := delta.Clone(value)
	if err != nil {
		return err
	}
	_, err = setInTree(&n.t.root, path, v)
	return err
}

// SetIndex stores value at an existing array index under this node.
func (n *Node) SetIndex(i int, value any) error {
	return n.Set(i, value)
}

// Delete removes an object key under this node. Deleting from arrays is
// not supported; shrink an array with Replace on its parent instead.
func (n *Node) Delete(key string) error {
	path := n.child(key)
	n.t.sink(path)
	container, ok := delta.Get(n.t.root, n.path)
	if !ok {
		return fmt.Errorf("path %v does not exist", n.path)
	}
	m, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("delete needs an object at %v, found %T", n.path, container)
	}
	delete(m, key)
	return nil
}

// Append adds values to the end of the array at this node. Each new
// element's index path is reported to the sink.
func (n *Node) Append(values ...any) error {
	container, ok := delta.Get(n.t.root, n.path)
	if !ok {
		return fmt.Errorf("path %v does not exist", n.path)
	}
	arr, ok := container.([]any)
	if !ok {
		return fmt.Errorf("append needs an array at %v, found %T", n.path, container)
	}
	for i := range values {
		n.t.sink(n.child(len(arr) + i))
	}
	for _, v := range values {
		cloned, err := delta.Clone(v)
		if err != nil {
			return err
		}
		arr = append(arr, cloned)
	}
	return writeBack(&n.t.root, n.path, arr)
}

func (n *Node) child(segments ...any) []any {
	p := make([]any, 0, len(n.path)+len(segments))
	p = append(p, n.path...)
	return append(p, segments...)
}

// setInTree stores val at path, replacing the root when path is empty.
func setInTree(root *any, path []any, val any) (any, error) {
	if len(path) == 0 {
		*root = val
		return val, nil
	}
	parent, ok := delta.Get(*root, path[:len(path)-1])
	if !ok {
		return nil, fmt.Errorf("path %v does not exist", path[:len(path)-1])
	}
	last := path[len(path)-1]
	switch p := parent.(type) {
	case map[string]any:
		key, ok := last.(string)
		if !ok {
			return nil, fmt.Errorf("object key at %v must be a string, got %T", path, last)
		}
		p[key] = val
	case []any:
		idx, ok := toIndex(last)
		if !ok {
			return nil, fmt.Errorf("array index at %v must be an int, got %T", path, last)
		}
		if idx < 0 || idx >= len(p) {
			return nil, fmt.Errorf("array index %d out of range at %v", idx, path)
		}
		p[idx] = val
	default:
		return nil, fmt.Errorf("cannot write below %T at %v", parent, path)
	}
	return val, nil
}

// writeBack re-seats a grown slice under its parent.
func writeBack(root *any, path []any, arr []any) error {
	if len(path) == 0 {
		*root = arr
		return nil
	}
	_, err := setInTree(root, path, arr)
	return err
}

func toIndex(seg any) (int, bool) {
	switch s := seg.(type) {
	case int:
		return s, true
	case int64:
		return int(s), true
	case float64:
		if s == float64(int(s)) {
			return int(s), true
		}
	}
	return 0, false
}
