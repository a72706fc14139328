// Package schemapath resolves JSON-Schema subtrees along value paths and
// classifies them for the replication engine: primitive leaves validate
// cheaply, date leaves get timestamp round-tripping, and everything else
// is complex and validates through a compiled subtree validator. When a
// path cannot be statically located in the schema (additionalProperties
// booleans, unions over item shapes, $ref indirection) the resolver
// falls back to the root validator, which callers run against the whole
// document.
package schemapath

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind classifies the schema found at a path.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindDate      Kind = "date"
	KindComplex   Kind = "complex"
)

// Validator validates a value against a compiled schema. Implementations
// are immutable and safe for concurrent use.
type Validator interface {
	Validate(v any) error
}

// Resolution is the memoized answer for one path.
type Resolution struct {
	Kind      Kind
	Validator Validator
	// Schema is the raw subtree schema, nil when the path could not be
	// statically located.
	Schema map[string]any
	// Format is the schema format for KindDate: "date" or "date-time".
	Format string
	// RootFallback marks that Validator is the root validator; callers
	// must validate the whole document with it, not the subtree.
	RootFallback bool
}

// dateLayout maps a schema format to its string layout.
func dateLayout(format string) string {
	if format == "date" {
		return "2006-01-02"
	}
	return time.RFC3339Nano
}

// resolutionCacheSize bounds the per-path memo. Paths repeat heavily in
// steady state (the same few leaves get hinted over and over), so a
// small LRU holds the working set.
const resolutionCacheSize = 512

// Resolver walks one object schema. Safe for concurrent use.
type Resolver struct {
	doc   map[string]any
	root  Validator
	cache *lru.Cache[string, Resolution]
}

// NewResolver compiles the root schema and prepares the path memo.
func NewResolver(schema json.RawMessage) (*Resolver, error) {
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("schema is not a JSON object: %w", err)
	}
	root, err := Compile(schema)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Resolution](resolutionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{doc: doc, root: root, cache: cache}, nil
}

// RootValidator returns the validator for the whole document.
func (r *Resolver) RootValidator() Validator {
	return r.root
}

// Resolve classifies the schema at path. Results are memoized.
func (r *Resolver) Resolve(path []any) Resolution {
	key := cacheKey(path)
	if res, ok := r.cache.Get(key); ok {
		return res
	}
	res := r.resolve(path)
	r.cache.Add(key, res)
	return res
}

func (r *Resolver) resolve(path []any) Resolution {
	sub := subschemaAt(r.doc, path, 0)
	if sub == nil {
		return Resolution{Kind: KindComplex, Validator: r.root, RootFallback: true}
	}
	kind := classify(sub)
	v, err := compileDoc(sub)
	if err != nil {
		// Subtree uses features that do not compile standalone ($ref into
		// the root, remote refs). Validate through the root instead.
		return Resolution{Kind: KindComplex, Validator: r.root, RootFallback: true}
	}
	res := Resolution{Kind: kind, Validator: v, Schema: sub}
	if kind == KindDate {
		res.Format, _ = sub["format"].(string)
	}
	return res
}

// subschemaAt walks the schema document along path. Returns nil when the
// subtree cannot be statically located.
func subschemaAt(doc map[string]any, path []any, idx int) map[string]any {
	if doc == nil {
		return nil
	}
	if _, hasRef := doc["$ref"]; hasRef {
		return nil
	}
	if idx == len(path) {
		return doc
	}
	switch seg := path[idx].(type) {
	case string:
		if props, ok := doc["properties"].(map[string]any); ok {
			if sub, ok := props[seg].(map[string]any); ok {
				if found := subschemaAt(sub, path, idx+1); found != nil {
					return found
				}
			}
		}
		if ap, ok := doc["additionalProperties"].(map[string]any); ok {
			if found := subschemaAt(ap, path, idx+1); found != nil {
				return found
			}
		}
	case int:
		switch items := doc["items"].(type) {
		case map[string]any:
			if found := subschemaAt(items, path, idx+1); found != nil {
				return found
			}
		case []any:
			if seg >= 0 && seg < len(items) {
				if sub, ok := items[seg].(map[string]any); ok {
					if found := subschemaAt(sub, path, idx+1); found != nil {
						return found
					}
				}
			}
		}
	default:
		return nil
	}
	// Best effort through combinators: first branch that resolves wins.
	for _, comb := range []string{"anyOf", "oneOf", "allOf"} {
		branches, ok := doc[comb].([]any)
		if !ok {
			continue
		}
		for _, b := range branches {
			branch, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if found := subschemaAt(branch, path, idx); found != nil {
				return found
			}
		}
	}
	return nil
}

var primitiveTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

func classify(doc map[string]any) Kind {
	if format, ok := doc["format"].(string); ok {
		if format == "date" || format == "date-time" {
			return KindDate
		}
	}
	switch typ := doc["type"].(type) {
	case string:
		if primitiveTypes[typ] {
			return KindPrimitive
		}
	case []any:
		all := len(typ) > 0
		for _, t := range typ {
			s, ok := t.(string)
			if !ok || !primitiveTypes[s] {
				all = false
				break
			}
		}
		if all {
			return KindPrimitive
		}
	}
	return KindComplex
}

func cacheKey(path []any) string {
	var b strings.Builder
	for _, seg := range path {
		switch s := seg.(type) {
		case string:
			fmt.Fprintf(&b, "k:%s\x00", s)
		case int:
			fmt.Fprintf(&b, "i:%d\x00", s)
		default:
			fmt.Fprintf(&b, "?:%v\x00", s)
		}
	}
	return b.String()
}

// AcceptDate checks a value destined for a date-format leaf: either an
// in-memory timestamp or a string parseable under the leaf's layout.
func AcceptDate(v any, format string) error {
	switch t := v.(type) {
	case time.Time:
		return nil
	case string:
		if _, err := time.Parse(dateLayout(format), t); err != nil {
			return fmt.Errorf("date leaf %q does not match format %q: %w", t, format, err)
		}
		return nil
	}
	return fmt.Errorf("date leaf must be a timestamp or string, got %T", v)
}

// ParseDates returns v with every string under a date-classified path
// converted to time.Time. Containers are updated in place; unparseable
// strings pass through untouched so validation can report them.
func (r *Resolver) ParseDates(path []any, v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			child := append(append(make([]any, 0, len(path)+1), path...), k)
			t[k] = r.ParseDates(child, val)
		}
		return t
	case []any:
		for i, val := range t {
			child := append(append(make([]any, 0, len(path)+1), path...), i)
			t[i] = r.ParseDates(child, val)
		}
		return t
	case string:
		res := r.Resolve(path)
		if res.Kind != KindDate {
			return t
		}
		if ts, err := time.Parse(dateLayout(res.Format), t); err == nil {
			return ts
		}
		return t
	default:
		return v
	}
}

// FormatDates is the inverse of ParseDates: every time.Time under a
// date-classified path becomes its wire string, laid out per the leaf's
// schema format. Values elsewhere pass through unchanged.
func (r *Resolver) FormatDates(path []any, v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			child := append(append(make([]any, 0, len(path)+1), path...), k)
			t[k] = r.FormatDates(child, val)
		}
		return t
	case []any:
		for i, val := range t {
			child := append(append(make([]any, 0, len(path)+1), path...), i)
			t[i] = r.FormatDates(child, val)
		}
		return t
	case time.Time:
		res := r.Resolve(path)
		if res.Kind == KindDate && res.Format == "date" {
			return t.UTC().Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
