// Package delta computes and applies minimal structural edits between two
// JSON-shaped values. A delta is an ordered list of entries; applying a
// delta to the baseline it was computed from yields the target value,
// and applying the concatenation of two deltas equals applying them in
// sequence. Arrays are tail-strict: any array change replaces the whole
// array, so an entry can never alter element N without pinning length.
package delta

import (
	"encoding/json"
	"fmt"
)

// Op identifies the kind of a delta entry.
type Op string

const (
	// OpReplace stores a value at a path, creating the final key when the
	// parent is an object.
	OpReplace Op = "replace"
	// OpDelete removes an object key. Deleting array elements is illegal;
	// array shrink is expressed as a whole-array replace.
	OpDelete Op = "delete"
	// OpNested scopes a child delta to the subtree at a path.
	OpNested Op = "nested"
)

// Entry is one edit. Path segments are object keys (string) or array
// indices (int).
type Entry struct {
	Op      Op
	Path    []any
	Value   any
	Entries Delta
}

// Delta is an ordered edit list. The zero value is the empty delta.
type Delta []Entry

// Compose concatenates two deltas; applying the result equals applying
// d1 then d2.
func Compose(d1, d2 Delta) Delta {
	out := make(Delta, 0, len(d1)+len(d2))
	out = append(out, d1...)
	return append(out, d2...)
}

// Wrap lifts a subtree delta to a delta rooted at path by prefixing
// every entry's path. Entries are copied; d is not modified.
func Wrap(path []any, d Delta) Delta {
	if len(path) == 0 || len(d) == 0 {
		return d
	}
	out := make(Delta, len(d))
	for i, e := range d {
		p := make([]any, 0, len(path)+len(e.Path))
		p = append(p, path...)
		p = append(p, e.Path...)
		e.Path = p
		out[i] = e
	}
	return out
}

type wireReplace struct {
	Op    Op    `json:"op"`
	Path  []any `json:"path"`
	Value any   `json:"value"`
}

type wireDelete struct {
	Op   Op    `json:"op"`
	Path []any `json:"path"`
}

type wireNested struct {
	Op      Op    `json:"op"`
	Path    []any `json:"path"`
	Entries Delta `json:"entries"`
}

// MarshalJSON emits only the fields meaningful for the entry's op. The
// value of a replace is always present, even when null.
func (e Entry) MarshalJSON() ([]byte, error) {
	path := e.Path
	if path == nil {
		path = []any{}
	}
	switch e.Op {
	case OpReplace:
		return json.Marshal(wireReplace{Op: e.Op, Path: path, Value: e.Value})
	case OpDelete:
		return json.Marshal(wireDelete{Op: e.Op, Path: path})
	case OpNested:
		return json.Marshal(wireNested{Op: e.Op, Path: path, Entries: e.Entries})
	}
	return nil, fmt.Errorf("unknown delta op %q", e.Op)
}

// UnmarshalJSON decodes an entry and normalizes numeric path segments to
// int, rejecting segments that are neither keys nor indices.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Op      Op    `json:"op"`
		Path    []any `json:"path"`
		Value   any   `json:"value"`
		Entries Delta `json:"entries"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Op {
	case OpReplace, OpDelete, OpNested:
	default:
		return fmt.Errorf("unknown delta op %q", raw.Op)
	}
	path := make([]any, len(raw.Path))
	for i, seg := range raw.Path {
		switch s := seg.(type) {
		case string:
			path[i] = s
		case float64:
			if s != float64(int(s)) {
				return fmt.Errorf("fractional path segment %v", s)
			}
			path[i] = int(s)
		default:
			return fmt.Errorf("invalid path segment %T", seg)
		}
	}
	e.Op = raw.Op
	e.Path = path
	e.Value = raw.Value
	e.Entries = raw.Entries
	return nil
}

// Apply applies d to target and returns the resulting root. Containers
// inside target are mutated in place; the returned root differs from
// target only when an entry replaced the root itself. Inserted values
// are cloned, so the result never aliases d. Any structural mismatch
// (missing parent, index out of range, deleting from an array) returns
// an error and the target must be considered corrupt.
func Apply(target any, d Delta) (any, error) {
	root := target
	for _, e := range d {
		var err error
		root, err = applyEntry(root, e)
		if err != nil {
			return nil, err
		}
	}
	return root, nil
}

func applyEntry(root any, e Entry) (any, error) {
	switch e.Op {
	case OpReplace:
		val, err := Clone(e.Value)
		if err != nil {
			return nil, err
		}
		return setAtPath(root, e.Path, val)
	case OpDelete:
		return deleteAtPath(root, e.Path)
	case OpNested:
		sub, ok := getAtPath(root, e.Path)
		if !ok {
			return nil, fmt.Errorf("nested delta path %v not present", e.Path)
		}
		newSub, err := Apply(sub, e.Entries)
		if err != nil {
			return nil, err
		}
		return setAtPath(root, e.Path, newSub)
	}
	return nil, fmt.Errorf("unknown delta op %q", e.Op)
}

func setAtPath(root any, path []any, val any) (any, error) {
	if len(path) == 0 {
		return val, nil
	}
	parent, ok := getAtPath(root, path[:len(path)-1])
	if !ok {
		return nil, fmt.Errorf("path %v has no parent", path)
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
		idx, ok := last.(int)
		if !ok {
			return nil, fmt.Errorf("array index at %v must be an int, got %T", path, last)
		}
		if idx < 0 || idx >= len(p) {
			return nil, fmt.Errorf("array index %d out of range at %v", idx, path)
		}
		p[idx] = val
	default:
		return nil, fmt.Errorf("path %v does not traverse a container", path)
	}
	return root, nil
}

func deleteAtPath(root any, path []any) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("cannot delete the root")
	}
	parent, ok := getAtPath(root, path[:len(path)-1])
	if !ok {
		return nil, fmt.Errorf("path %v has no parent", path)
	}
	p, ok := parent.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("delete at %v requires an object parent, got %T", path, parent)
	}
	key, ok := path[len(path)-1].(string)
	if !ok {
		return nil, fmt.Errorf("object key at %v must be a string", path)
	}
	delete(p, key)
	return root, nil
}

func getAtPath(root any, path []any) (any, bool) {
	cur := root
	for _, seg := range path {
		switch s := seg.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || s < 0 || s >= len(arr) {
				return nil, false
			}
			cur = arr[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Get resolves a path inside a value tree. It exists for callers outside
// the package that navigate state the same way deltas do.
func Get(root any, path []any) (any, bool) {
	return getAtPath(root, path)
}
