package schemapath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wirebus/delta"
)

func TestParseDeltaDates(t *testing.T) {
	r := newTestResolver(t)
	d := delta.Delta{
		{Op: delta.OpReplace, Path: []any{"lastUpdated"}, Value: "2024-05-01T10:00:00Z"},
		{Op: delta.OpReplace, Path: []any{"value"}, Value: float64(3)},
		{Op: delta.OpNested, Path: []any{"nested"}, Entries: delta.Delta{
			{Op: delta.OpReplace, Path: []any{"when"}, Value: "2023-01-01T00:00:00Z"},
		}},
	}
	got := r.ParseDeltaDates(nil, d)

	_, isTime := got[0].Value.(time.Time)
	require.True(t, isTime)
	require.Equal(t, float64(3), got[1].Value)
	_, isTime = got[2].Entries[0].Value.(time.Time)
	require.True(t, isTime)
}

func TestFormatDeltaDatesDoesNotMutateInput(t *testing.T) {
	r := newTestResolver(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	live := map[string]any{"when": ts}
	d := delta.Delta{
		{Op: delta.OpReplace, Path: []any{"nested"}, Value: live},
	}
	got := r.FormatDeltaDates(nil, d)

	require.Equal(t, "2024-05-01T10:00:00Z", got[0].Value.(map[string]any)["when"])
	// The server-side value stays a timestamp.
	require.Equal(t, ts, live["when"])
	require.Equal(t, ts, d[0].Value.(map[string]any)["when"])
}

func TestFormatDeltaDatesReplaceLeaf(t *testing.T) {
	r := newTestResolver(t)
	d := delta.Delta{
		{Op: delta.OpReplace, Path: []any{"birthday"}, Value: time.Date(2001, 2, 3, 0, 0, 0, 0, time.UTC)},
	}
	got := r.FormatDeltaDates(nil, d)
	require.Equal(t, "2001-02-03", got[0].Value)
}
