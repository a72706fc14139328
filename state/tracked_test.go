package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wirebus/delta"
)

type recorder struct {
	paths [][]any
}

func (r *recorder) sink(path []any) {
	p := make([]any, len(path))
	copy(p, path)
	r.paths = append(r.paths, p)
}

func newTracked(rec *recorder) *Tracked {
	root := map[string]any{
		"value": float64(0),
		"nested": map[string]any{
			"flag": false,
		},
		"items": []any{float64(1), float64(2)},
	}
	return NewTracked(root, rec.sink)
}

func TestSetEmitsPathBeforeMutation(t *testing.T) {
	root := map[string]any{"value": float64(0)}
	var seen any
	tr := NewTracked(root, func(path []any) {
		// The sink observes the pre-write value.
		v, _ := delta.Get(root, path)
		seen = v
	})

	require.NoError(t, tr.Set("value", 10))
	require.Equal(t, float64(0), seen)
	got, _ := tr.Get("value")
	require.Equal(t, float64(10), got)
}

func TestWritePathsReachSink(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	require.NoError(t, tr.Set("value", 1))
	require.NoError(t, tr.At("nested").Set("flag", true))
	require.NoError(t, tr.At("items").SetIndex(0, 9))
	require.NoError(t, tr.At("items").Append("x", "y"))
	require.NoError(t, tr.At("nested").Delete("flag"))
	require.NoError(t, tr.Replace(map[string]any{"fresh": true}))

	require.Equal(t, [][]any{
		{"value"},
		{"nested", "flag"},
		{"items", 0},
		{"items", 2},
		{"items", 3},
		{"nested", "flag"},
		{},
	}, rec.paths)
}

func TestReadsAreSilent(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	_, ok := tr.Get("value")
	require.True(t, ok)
	_, ok = tr.At("nested").Get("flag")
	require.True(t, ok)
	_ = tr.View()

	require.Empty(t, rec.paths)
}

func TestSetNormalizesAndClones(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	payload := map[string]any{"count": 3}
	require.NoError(t, tr.Set("payload", payload))

	// Caller-side mutation after the write must not leak in.
	payload["count"] = 99

	got, _ := tr.Get("payload", "count")
	require.Equal(t, float64(3), got)
}

func TestAppendGrowsArray(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	require.NoError(t, tr.At("items").Append(3))
	got, ok := tr.Get("items", 2)
	require.True(t, ok)
	require.Equal(t, float64(3), got)

	items, _ := tr.Get("items")
	require.Len(t, items.([]any), 3)
}

func TestWriteErrors(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	require.Error(t, tr.At("missing", "deep").Set("k", 1))
	require.Error(t, tr.At("items").Set("k", 1))         // string key into array
	require.Error(t, tr.At("items").SetIndex(99, 1))     // out of range
	require.Error(t, tr.At("value").Set("sub", 1))       // below a scalar
	require.Error(t, tr.At("items").Delete("k"))         // delete from array
	require.Error(t, tr.At("nested").Append(1))          // append to object
}

func TestReplaceKeepsRootKind(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	// Object roots stay objects.
	require.Error(t, tr.Replace([]any{float64(1)}))
	require.Error(t, tr.Replace(42))
	require.NoError(t, tr.Replace(map[string]any{"fresh": true}))
	got, _ := tr.Get("fresh")
	require.Equal(t, true, got)

	// Array roots stay arrays.
	arr := NewTracked([]any{float64(1)}, rec.sink)
	require.Error(t, arr.Replace(map[string]any{}))
	require.NoError(t, arr.Replace([]any{float64(2)}))
	require.Equal(t, []any{float64(2)}, arr.Root())
}

func TestReplaceRejectionLeavesNoPendingPath(t *testing.T) {
	rec := &recorder{}
	tr := newTracked(rec)

	require.Error(t, tr.Replace("scalar"))
	require.Empty(t, rec.paths)
}

func TestNodePathAndChildren(t *testing.T) {
	tr := newTracked(&recorder{})
	n := tr.At("nested").At("flag")
	require.Equal(t, []any{"nested", "flag"}, n.Path())
}
