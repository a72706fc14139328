package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ErrReadOnly is returned by every mutating call on a View.
var ErrReadOnly = errors.New("state: view is read-only")

// View is a read-only façade over a value tree. Scalars pass through
// unwrapped; containers wrap lazily in child Views cached per container
// identity, so the same subtree always yields the same wrapper. Safe for
// concurrent readers.
type View struct {
	value any

	mu       sync.Mutex
	children map[uintptr]*View
}

// NewView wraps root.
func NewView(root any) *View {
	return &View{value: root}
}

// Get resolves path below this view. Containers come back wrapped in a
// child View, scalars as plain values.
func (v *View) Get(path ...any) (any, bool) {
	cur := v
	rest := path
	for len(rest) > 0 {
		raw, ok := childValue(cur.value, rest[0])
		if !ok {
			return nil, false
		}
		if !isContainer(raw) {
			if len(rest) == 1 {
				return raw, true
			}
			return nil, false
		}
		cur = cur.wrap(raw)
		rest = rest[1:]
	}
	return cur, true
}

// Value returns the wrapped value when this view sits on a scalar, or
// the view itself for containers. Mostly useful in tests.
func (v *View) Value() any {
	if isContainer(v.value) {
		return v
	}
	return v.value
}

// Len returns the element count of an array or key count of an object.
func (v *View) Len() int {
	switch t := v.value.(type) {
	case map[string]any:
		return len(t)
	case []any:
		return len(t)
	}
	return 0
}

// Keys returns the object's keys in sorted order, or nil for non-objects.
func (v *View) Keys() []string {
	m, ok := v.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string at path.
func (v *View) String(path ...any) (string, error) {
	raw, ok := v.Get(path...)
	if !ok {
		return "", fmt.Errorf("no value at %v", path)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("value at %v is %T, not string", path, raw)
	}
	return s, nil
}

// Float returns the number at path.
func (v *View) Float(path ...any) (float64, error) {
	raw, ok := v.Get(path...)
	if !ok {
		return 0, fmt.Errorf("no value at %v", path)
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("value at %v is %T, not number", path, raw)
	}
	return f, nil
}

// Bool returns the boolean at path.
func (v *View) Bool(path ...any) (bool, error) {
	raw, ok := v.Get(path...)
	if !ok {
		return false, fmt.Errorf("no value at %v", path)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("value at %v is %T, not bool", path, raw)
	}
	return b, nil
}

// Decode marshals the subtree into out through encoding/json.
func (v *View) Decode(out any) error {
	raw, err := json.Marshal(v.value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// MarshalJSON lets a View serialize as its underlying value.
func (v *View) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.value)
}

// Set always fails: views do not mutate.
func (v *View) Set(key any, value any) error {
	return fmt.Errorf("%w: cannot set %v", ErrReadOnly, key)
}

// Delete always fails: views do not mutate.
func (v *View) Delete(key string) error {
	return fmt.Errorf("%w: cannot delete %q", ErrReadOnly, key)
}

// Append always fails: views do not mutate.
func (v *View) Append(values ...any) error {
	return fmt.Errorf("%w: cannot append", ErrReadOnly)
}

func (v *View) wrap(container any) *View {
	ptr := containerPointer(container)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.children == nil {
		v.children = make(map[uintptr]*View)
	}
	if w, ok := v.children[ptr]; ok {
		return w
	}
	w := NewView(container)
	v.children[ptr] = w
	return w
}

func childValue(container any, seg any) (any, bool) {
	switch c := container.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return nil, false
		}
		val, ok := c[key]
		return val, ok
	case []any:
		idx, ok := toIndex(seg)
		if !ok || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func containerPointer(v any) uintptr {
	return reflect.ValueOf(v).Pointer()
}
