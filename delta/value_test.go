package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCloneIsDeepAndIndependent(t *testing.T) {
	src := map[string]any{
		"a": float64(1),
		"b": map[string]any{"c": []any{float64(1), float64(2)}},
	}
	cloned, err := Clone(src)
	require.NoError(t, err)
	require.True(t, Equal(src, cloned))

	src["b"].(map[string]any)["c"].([]any)[0] = float64(99)
	src["a"] = float64(7)
	require.Equal(t, float64(1), cloned.(map[string]any)["a"])
	require.Equal(t, float64(1), cloned.(map[string]any)["b"].(map[string]any)["c"].([]any)[0])
}

func TestCloneCanonicalizesNumbers(t *testing.T) {
	cloned, err := Clone(map[string]any{"i": 3, "u": uint8(4), "f": float32(2.5)})
	require.NoError(t, err)
	m := cloned.(map[string]any)
	require.Equal(t, float64(3), m["i"])
	require.Equal(t, float64(4), m["u"])
	require.Equal(t, float64(2.5), m["f"])
}

func TestClonePreservesTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cloned, err := Clone(map[string]any{"at": ts})
	require.NoError(t, err)
	require.Equal(t, ts, cloned.(map[string]any)["at"])
}

func TestCloneStructRoundTrips(t *testing.T) {
	type point struct {
		X int    `json:"x"`
		Y string `json:"y"`
	}
	cloned, err := Clone(point{X: 2, Y: "hi"})
	require.NoError(t, err)
	require.True(t, Equal(map[string]any{"x": float64(2), "y": "hi"}, cloned))
}

func TestCloneRejectsCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	_, err := Clone(m)
	require.Error(t, err)
}

func TestEqualNumericKinds(t *testing.T) {
	require.True(t, Equal(3, float64(3)))
	require.True(t, Equal(int64(3), float64(3)))
	require.False(t, Equal(float64(3), float64(3.5)))
	require.False(t, Equal(float64(0), false))
}

func TestEqualTimeAgainstWireString(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	require.True(t, Equal(ts, "2024-05-01T12:30:00Z"))
	require.True(t, Equal("2024-05-01T12:30:00Z", ts))
	require.False(t, Equal(ts, "2024-05-01T12:30:01Z"))
	require.False(t, Equal(ts, "not a date"))
}

func TestEqualContainers(t *testing.T) {
	a := map[string]any{"x": []any{float64(1), map[string]any{"y": nil}}}
	b := map[string]any{"x": []any{float64(1), map[string]any{"y": nil}}}
	require.True(t, Equal(a, b))

	b["x"].([]any)[1].(map[string]any)["y"] = float64(0)
	require.False(t, Equal(a, b))
}

func TestEqualNullVsAbsent(t *testing.T) {
	withNull := map[string]any{"k": nil}
	without := map[string]any{}
	require.False(t, Equal(withNull, without))
}
