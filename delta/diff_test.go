package delta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Applying Diff(a, b) to a clone of a must always reproduce b, and the
// delta must be empty exactly when the values are already equal.
func TestDiffApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		a, b any
	}{
		{"scalar change", map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)}},
		{"key added", map[string]any{}, map[string]any{"k": "x"}},
		{"key removed", map[string]any{"k": "x"}, map[string]any{}},
		{"null stored", map[string]any{"k": "x"}, map[string]any{"k": nil}},
		{"nested object", map[string]any{"o": map[string]any{"a": float64(1), "b": "keep"}}, map[string]any{"o": map[string]any{"a": float64(2), "b": "keep"}}},
		{"array element", map[string]any{"arr": []any{float64(1), float64(2)}}, map[string]any{"arr": []any{float64(1), float64(3)}}},
		{"array grow", map[string]any{"arr": []any{float64(1)}}, map[string]any{"arr": []any{float64(1), float64(2)}}},
		{"array shrink", map[string]any{"arr": []any{float64(1), float64(2)}}, map[string]any{"arr": []any{}}},
		{"kind change", map[string]any{"x": map[string]any{"y": float64(1)}}, map[string]any{"x": []any{float64(1)}}},
		{"root array", []any{float64(1), float64(2)}, []any{float64(2), float64(1)}},
		{"deep mixed", map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": float64(1)}}}}, map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": float64(2), "d": "new"}}}}},
		{"equal", map[string]any{"same": []any{"x"}}, map[string]any{"same": []any{"x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Diff(tc.a, tc.b)
			if Equal(tc.a, tc.b) {
				require.Empty(t, d)
				return
			}
			require.NotEmpty(t, d)
			got, err := Apply(mustClone(t, tc.a), d)
			require.NoError(t, err)
			require.True(t, Equal(tc.b, got), "apply(diff) mismatch: %v", got)
		})
	}
}

func TestDiffSinglePropertyIsMinimal(t *testing.T) {
	a := map[string]any{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"}
	b := map[string]any{"value": float64(10), "lastUpdated": "1970-01-01T00:00:00.000Z"}
	d := Diff(a, b)
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"value"}, d[0].Path)
	require.Equal(t, float64(10), d[0].Value)
}

func TestDiffDeleteDistinctFromNull(t *testing.T) {
	base := map[string]any{"k": "x"}

	removed := Diff(base, map[string]any{})
	require.Len(t, removed, 1)
	require.Equal(t, OpDelete, removed[0].Op)

	nulled := Diff(base, map[string]any{"k": nil})
	require.Len(t, nulled, 1)
	require.Equal(t, OpReplace, nulled[0].Op)
	require.Nil(t, nulled[0].Value)
}

func TestDiffArraysReplaceWhole(t *testing.T) {
	a := map[string]any{"arr": []any{float64(1), float64(2), float64(3)}}
	b := map[string]any{"arr": []any{float64(1), float64(9), float64(3)}}
	d := Diff(a, b)
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"arr"}, d[0].Path)
	require.True(t, Equal([]any{float64(1), float64(9), float64(3)}, d[0].Value))
}

func TestDiffNestedUsesWrapper(t *testing.T) {
	a := map[string]any{"o": map[string]any{"a": float64(1), "b": float64(2)}}
	b := map[string]any{"o": map[string]any{"a": float64(5), "b": float64(6)}}
	d := Diff(a, b)
	require.Len(t, d, 1)
	require.Equal(t, OpNested, d[0].Op)
	require.Equal(t, []any{"o"}, d[0].Path)
	require.Len(t, d[0].Entries, 2)
}

func TestForPathScalarLeaf(t *testing.T) {
	snapshot := map[string]any{"value": float64(0), "other": "keep"}
	state := map[string]any{"value": float64(10), "other": "keep"}
	d := ForPath(snapshot, state, []any{"value"})
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"value"}, d[0].Path)
	require.Equal(t, float64(10), d[0].Value)
}

func TestForPathContainerAtPath(t *testing.T) {
	snapshot := map[string]any{"o": map[string]any{"a": float64(1), "keep": true}}
	state := map[string]any{"o": map[string]any{"a": float64(2), "keep": true}}
	d := ForPath(snapshot, state, []any{"o"})
	require.Len(t, d, 1)
	require.Equal(t, []any{"o", "a"}, d[0].Path)
}

func TestForPathKindFlipReplacesAtKey(t *testing.T) {
	snapshot := map[string]any{"x": map[string]any{"y": float64(1)}}
	state := map[string]any{"x": nil}
	d := ForPath(snapshot, state, []any{"x"})
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"x"}, d[0].Path)
	require.Nil(t, d[0].Value)
}

func TestForPathInsideArrayDiffsWholeParent(t *testing.T) {
	snapshot := map[string]any{"arr": []any{float64(1), float64(2)}}
	state := map[string]any{"arr": []any{float64(1), float64(7)}}
	d := ForPath(snapshot, state, []any{"arr", 1})
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"arr"}, d[0].Path)
	require.True(t, Equal([]any{float64(1), float64(7)}, d[0].Value))
}

func TestForPathAddedKey(t *testing.T) {
	snapshot := map[string]any{"o": map[string]any{}}
	state := map[string]any{"o": map[string]any{"fresh": "v"}}
	d := ForPath(snapshot, state, []any{"o", "fresh"})
	require.Len(t, d, 1)
	require.Equal(t, OpReplace, d[0].Op)
	require.Equal(t, []any{"o", "fresh"}, d[0].Path)
}

func TestForPathRemovedKey(t *testing.T) {
	snapshot := map[string]any{"o": map[string]any{"gone": "v"}}
	state := map[string]any{"o": map[string]any{}}
	d := ForPath(snapshot, state, []any{"o", "gone"})
	require.Len(t, d, 1)
	require.Equal(t, OpDelete, d[0].Op)
	require.Equal(t, []any{"o", "gone"}, d[0].Path)
}

func TestForPathUnresolvableFallsBackToRoot(t *testing.T) {
	snapshot := map[string]any{"a": float64(1)}
	state := map[string]any{"b": map[string]any{"c": float64(2)}}
	d := ForPath(snapshot, state, []any{"b", "c", "d"})
	got, err := Apply(mustClone(t, snapshot), d)
	require.NoError(t, err)
	require.True(t, Equal(state, got))
}

func TestForPathEmptyWhenUnchanged(t *testing.T) {
	v := map[string]any{"a": map[string]any{"b": float64(1)}}
	w := mustClone(t, v)
	require.Empty(t, ForPath(v, w, []any{"a", "b"}))
	require.Empty(t, ForPath(v, w, []any{}))
}
