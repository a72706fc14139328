package schemapath

import "github.com/adred-codev/wirebus/delta"

// ParseDeltaDates rewrites the values carried by a delta so that strings
// under date-classified paths become time.Time. Used by subscribers
// before applying an update.
func (r *Resolver) ParseDeltaDates(prefix []any, d delta.Delta) delta.Delta {
	for i := range d {
		full := joinPath(prefix, d[i].Path)
		switch d[i].Op {
		case delta.OpReplace:
			d[i].Value = r.ParseDates(full, d[i].Value)
		case delta.OpNested:
			d[i].Entries = r.ParseDeltaDates(full, d[i].Entries)
		}
	}
	return d
}

// FormatDeltaDates rewrites time.Time values carried by a delta into
// their wire strings. The input delta is left untouched: replace values
// alias live server state, so they are cloned before formatting.
func (r *Resolver) FormatDeltaDates(prefix []any, d delta.Delta) delta.Delta {
	if len(d) == 0 {
		return d
	}
	out := make(delta.Delta, len(d))
	for i, e := range d {
		full := joinPath(prefix, e.Path)
		switch e.Op {
		case delta.OpReplace:
			if c, err := delta.Clone(e.Value); err == nil {
				e.Value = r.FormatDates(full, c)
			}
		case delta.OpNested:
			e.Entries = r.FormatDeltaDates(full, e.Entries)
		}
		out[i] = e
	}
	return out
}

func joinPath(prefix, rest []any) []any {
	if len(prefix) == 0 {
		return rest
	}
	out := make([]any, 0, len(prefix)+len(rest))
	out = append(out, prefix...)
	return append(out, rest...)
}
