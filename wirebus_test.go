package wirebus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawSchema(s string) json.RawMessage { return json.RawMessage(s) }

func TestNewDescriptorRejectsBadEndpoints(t *testing.T) {
	cases := []struct {
		name      string
		endpoints []Endpoint
	}{
		{"empty name", []Endpoint{{Name: "", Kind: KindRPC}}},
		{"underscore prefix", []Endpoint{{Name: "_private", Kind: KindRPC}}},
		{"unknown kind", []Endpoint{{Name: "a", Kind: Kind("stream")}}},
		{"duplicate names", []Endpoint{{Name: "a", Kind: KindRPC}, {Name: "a", Kind: KindPubSub}}},
		{"shared object without schema", []Endpoint{{Name: "obj", Kind: KindSharedObject}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDescriptor(tc.endpoints...)
			require.Error(t, err)
		})
	}
}

func TestDescriptorLookup(t *testing.T) {
	d, err := NewDescriptor(
		Endpoint{Name: "sum", Kind: KindRPC, Input: rawSchema(`{"type":"number"}`), Output: rawSchema(`{"type":"number"}`)},
		Endpoint{Name: "ticks", Kind: KindPubSub, Message: rawSchema(`{"type":"integer"}`)},
	)
	require.NoError(t, err)

	ep, ok := d.Endpoint("sum")
	require.True(t, ok)
	require.Equal(t, KindRPC, ep.Kind)

	_, ok = d.Endpoint("nope")
	require.False(t, ok)

	require.Len(t, d.Endpoints(), 2)
}

func TestDescriptorHashIgnoresDeclarationOrder(t *testing.T) {
	a := Endpoint{Name: "alpha", Kind: KindRPC, Input: rawSchema(`{"type":"string"}`)}
	b := Endpoint{Name: "beta", Kind: KindPubSub, Message: rawSchema(`{"type":"number"}`)}

	d1, err := NewDescriptor(a, b)
	require.NoError(t, err)
	d2, err := NewDescriptor(b, a)
	require.NoError(t, err)

	require.Equal(t, d1.Hash(), d2.Hash())
	require.Len(t, d1.Hash(), 64)
}

func TestDescriptorHashIgnoresSchemaKeyOrder(t *testing.T) {
	d1, err := NewDescriptor(Endpoint{
		Name: "obj", Kind: KindSharedObject,
		Object: rawSchema(`{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"number"}}}`),
	})
	require.NoError(t, err)
	d2, err := NewDescriptor(Endpoint{
		Name: "obj", Kind: KindSharedObject,
		Object: rawSchema(`{"properties":{"b":{"type":"number"},"a":{"type":"string"}},"type":"object"}`),
	})
	require.NoError(t, err)

	require.Equal(t, d1.Hash(), d2.Hash())
}

func TestDescriptorHashSeesSchemaChanges(t *testing.T) {
	d1, err := NewDescriptor(Endpoint{Name: "sum", Kind: KindRPC, Input: rawSchema(`{"type":"number"}`)})
	require.NoError(t, err)
	d2, err := NewDescriptor(Endpoint{Name: "sum", Kind: KindRPC, Input: rawSchema(`{"type":"string"}`)})
	require.NoError(t, err)

	require.NotEqual(t, d1.Hash(), d2.Hash())
}

func TestDescriptorHashMaterializesAutoNotify(t *testing.T) {
	schema := rawSchema(`{"type":"object"}`)
	yes := true

	implicit, err := NewDescriptor(Endpoint{Name: "obj", Kind: KindSharedObject, Object: schema})
	require.NoError(t, err)
	explicit, err := NewDescriptor(Endpoint{Name: "obj", Kind: KindSharedObject, Object: schema, AutoNotify: &yes})
	require.NoError(t, err)

	// Default and explicit true are the same contract, so the same hash.
	require.Equal(t, implicit.Hash(), explicit.Hash())

	no := false
	disabled, err := NewDescriptor(Endpoint{Name: "obj", Kind: KindSharedObject, Object: schema, AutoNotify: &no})
	require.NoError(t, err)
	require.NotEqual(t, implicit.Hash(), disabled.Hash())
}

func TestAutoNotifyOnlyMattersForSharedObjects(t *testing.T) {
	no := false
	d1, err := NewDescriptor(Endpoint{Name: "sum", Kind: KindRPC, Input: rawSchema(`{"type":"number"}`)})
	require.NoError(t, err)
	d2, err := NewDescriptor(Endpoint{Name: "sum", Kind: KindRPC, Input: rawSchema(`{"type":"number"}`), AutoNotify: &no})
	require.NoError(t, err)

	require.Equal(t, d1.Hash(), d2.Hash())
}
