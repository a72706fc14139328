package client_test

// End-to-end coverage: a real server and a real client joined by
// in-memory pipes, exercising the replication scenarios the system is
// built around.

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/client"
	"github.com/adred-codev/wirebus/delta"
	"github.com/adred-codev/wirebus/server"
	"github.com/adred-codev/wirebus/state"
	"github.com/adred-codev/wirebus/transport"
)

var openSchema = json.RawMessage(`{"type": "object"}`)

func startServer(t *testing.T, endpoints ...wirebus.Endpoint) (*server.Server, *wirebus.Descriptor) {
	t.Helper()
	desc, err := wirebus.NewDescriptor(endpoints...)
	require.NoError(t, err)

	logger := zerolog.Nop()
	s, err := server.New(desc, server.Options{
		Logger:            &logger,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, desc
}

func dialServer(t *testing.T, s *server.Server, desc *wirebus.Descriptor) *client.Client {
	t.Helper()
	logger := zerolog.Nop()
	c, err := client.Dial(context.Background(), "pipe://test", desc, client.Options{
		Logger:        &logger,
		InitTimeout:   500 * time.Millisecond,
		RPCTimeout:    2 * time.Second,
		ReconnectBase: 20 * time.Millisecond,
		Dialer: func(context.Context) (transport.Conn, error) {
			clientSide, serverSide := transport.Pipe()
			if err := s.Attach(serverSide); err != nil {
				return nil, err
			}
			return clientSide, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func subscribeReady(t *testing.T, c *client.Client, endpoint string) (*client.SharedObject, client.Init) {
	t.Helper()
	o, err := c.SharedObject(endpoint)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	init, err := o.Subscribe(ctx)
	require.NoError(t, err)
	return o, init
}

func updateChan(o *client.SharedObject) chan delta.Delta {
	ch := make(chan delta.Delta, 16)
	o.OnUpdate(func(d delta.Delta) { ch <- d })
	return ch
}

func nextUpdate(t *testing.T, ch chan delta.Delta) delta.Delta {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

// Scenario: single-property update published with a hint.
func TestHintedUpdateReplicates(t *testing.T) {
	autoOff := false
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "counter", Kind: wirebus.KindSharedObject, Object: counterSchema, AutoNotify: &autoOff,
	})
	so, err := s.SetShared("counter", map[string]any{
		"value":       0,
		"lastUpdated": "1970-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	o, init := subscribeReady(t, c, "counter")
	require.Equal(t, int64(0), init.V)
	updates := updateChan(o)

	require.NoError(t, so.Update(func(root *state.Node) error {
		return root.Set("value", 10)
	}))
	require.NoError(t, so.Notify("value"))
	require.Equal(t, int64(1), so.Version())

	nextUpdate(t, updates)
	require.Equal(t, int64(1), o.Version())

	view, err := o.Data()
	require.NoError(t, err)
	val, err := view.Float("value")
	require.NoError(t, err)
	require.Equal(t, float64(10), val)
	last, ok := view.Get("lastUpdated")
	require.True(t, ok)
	ts, ok := last.(time.Time)
	require.True(t, ok)
	require.Equal(t, 1970, ts.UTC().Year())
}

// Scenario: sibling writes in one Update batch into a single
// broadcast; the intermediate value is never observable.
func TestAutoNotifyBatchesSiblingWrites(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	so, err := s.SetShared("obj", map[string]any{})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	o, _ := subscribeReady(t, c, "obj")
	updates := updateChan(o)

	require.NoError(t, so.Update(func(root *state.Node) error {
		if err := root.Set("a", 1); err != nil {
			return err
		}
		if err := root.Set("b", 2); err != nil {
			return err
		}
		return root.Set("a", 3)
	}))
	require.Equal(t, int64(1), so.Version())

	nextUpdate(t, updates)
	require.Equal(t, int64(1), o.Version())
	view, err := o.Data()
	require.NoError(t, err)
	a, err := view.Float("a")
	require.NoError(t, err)
	require.Equal(t, float64(3), a)
	b, err := view.Float("b")
	require.NoError(t, err)
	require.Equal(t, float64(2), b)

	// Exactly one broadcast: no second frame follows.
	select {
	case d := <-updates:
		t.Fatalf("unexpected second update: %v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario: a write below x is subsumed when x itself is then
// replaced; one broadcast carries the ancestor replace only.
func TestPathSubsumptionReplicates(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	so, err := s.SetShared("obj", map[string]any{"x": map[string]any{"y": 0}})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	o, _ := subscribeReady(t, c, "obj")
	updates := updateChan(o)

	require.NoError(t, so.Update(func(root *state.Node) error {
		if err := root.At("x").Set("y", 1); err != nil {
			return err
		}
		return root.Set("x", nil)
	}))
	require.Equal(t, int64(1), so.Version())

	d := nextUpdate(t, updates)
	require.Len(t, d, 1)
	require.Equal(t, delta.OpReplace, d[0].Op)
	require.Equal(t, []any{"x"}, d[0].Path)
	require.Nil(t, d[0].Value)

	view, err := o.Data()
	require.NoError(t, err)
	x, ok := view.Get("x")
	require.True(t, ok)
	require.Nil(t, x)
}

// Scenario: a subscriber arriving at v=N gets init{v=N} first; the
// next broadcast it sees is v=N+1.
func TestLateSubscriberGetsCurrentVersionInit(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	so, err := s.SetShared("obj", map[string]any{"n": 0})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, so.Update(func(root *state.Node) error {
			return root.Set("n", i)
		}))
	}
	require.Equal(t, int64(10), so.Version())

	c := dialServer(t, s, desc)
	o, init := subscribeReady(t, c, "obj")
	require.Equal(t, int64(10), init.V)
	n, err := init.Data.Float("n")
	require.NoError(t, err)
	require.Equal(t, float64(10), n)

	updates := updateChan(o)
	require.NoError(t, so.Update(func(root *state.Node) error {
		return root.Set("n", 11)
	}))
	nextUpdate(t, updates)
	require.Equal(t, int64(11), o.Version())
}

// Scenario: a timestamp assigned server-side at a date-time leaf
// validates, travels as a string, and parses back to a timestamp.
func TestDateLeafRoundTripsThroughHintedNotify(t *testing.T) {
	autoOff := false
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "counter", Kind: wirebus.KindSharedObject, Object: counterSchema, AutoNotify: &autoOff,
	})
	so, err := s.SetShared("counter", map[string]any{
		"value":       0,
		"lastUpdated": "1970-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	o, _ := subscribeReady(t, c, "counter")
	updates := updateChan(o)

	stamp := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, so.Update(func(root *state.Node) error {
		return root.Set("lastUpdated", stamp)
	}))
	require.NoError(t, so.Notify("lastUpdated"))

	nextUpdate(t, updates)
	view, err := o.Data()
	require.NoError(t, err)
	raw, ok := view.Get("lastUpdated")
	require.True(t, ok)
	ts, ok := raw.(time.Time)
	require.True(t, ok, "expected parsed timestamp, got %T", raw)
	require.True(t, ts.Equal(stamp))
}

// Replaying every broadcast in v order rebuilds the server state
// exactly (property 1).
func TestReplicaConvergesOverManyUpdates(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	so, err := s.SetShared("obj", map[string]any{
		"items": []any{},
		"meta":  map[string]any{"writes": 0},
	})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	o, _ := subscribeReady(t, c, "obj")
	updates := updateChan(o)

	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, so.Update(func(root *state.Node) error {
			if err := root.At("items").Append(map[string]any{"seq": i}); err != nil {
				return err
			}
			return root.At("meta").Set("writes", i+1)
		}))
	}
	for i := 0; i < 20; i++ {
		nextUpdate(t, updates)
	}
	require.Equal(t, int64(20), o.Version())

	var replica map[string]any
	view, err := o.Data()
	require.NoError(t, err)
	require.NoError(t, view.Decode(&replica))

	var authoritative map[string]any
	require.NoError(t, so.Read(func(v *state.View) error {
		return v.Decode(&authoritative)
	}))
	require.Equal(t, authoritative, replica)
}

func TestRPCEndToEnd(t *testing.T) {
	s, desc := startServer(t,
		wirebus.Endpoint{
			Name: "sum", Kind: wirebus.KindRPC,
			Input:  json.RawMessage(`{"type":"array","items":{"type":"number"}}`),
			Output: json.RawMessage(`{"type":"number"}`),
		},
	)
	require.NoError(t, s.HandleFunc("sum", func(_ context.Context, input json.RawMessage) (any, error) {
		var nums []float64
		if err := json.Unmarshal(input, &nums); err != nil {
			return nil, err
		}
		var total float64
		for _, n := range nums {
			total += n
		}
		return total, nil
	}))

	c := dialServer(t, s, desc)
	var total float64
	require.NoError(t, c.Call(context.Background(), "sum", []float64{1, 2, 3.5}, &total))
	require.Equal(t, 6.5, total)

	// Schema-invalid input is rejected server-side with its code intact.
	err := c.Call(context.Background(), "sum", "not-an-array", nil)
	require.True(t, wirebus.IsCode(err, wirebus.CodeValidationFailed))
}

func TestFlushBarrierAndDescriptorCheck(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	_, err := s.SetShared("obj", map[string]any{})
	require.NoError(t, err)

	c := dialServer(t, s, desc)
	require.NoError(t, c.Flush(context.Background()))
	require.NoError(t, c.CheckDescriptor(context.Background()))
}

func TestDescriptorMismatchDetected(t *testing.T) {
	s, _ := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})

	// A client built from a drifted descriptor still connects; the
	// mismatch surfaces through the reserved hash endpoint.
	drifted, err := wirebus.NewDescriptor(
		wirebus.Endpoint{Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema},
		wirebus.Endpoint{Name: "extra", Kind: wirebus.KindPubSub},
	)
	require.NoError(t, err)

	c := dialServer(t, s, drifted)
	err = c.CheckDescriptor(context.Background())
	require.True(t, wirebus.IsCode(err, wirebus.CodeDescriptorMismatch))
}

func TestPubSubFanOutToMultipleClients(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "ticks", Kind: wirebus.KindPubSub,
		Message: json.RawMessage(`{"type":"string"}`),
	})

	got1 := make(chan string, 1)
	got2 := make(chan string, 1)
	for _, target := range []chan string{got1, got2} {
		target := target
		c := dialServer(t, s, desc)
		require.NoError(t, c.OnMessage("ticks", func(msg json.RawMessage) {
			var v string
			if json.Unmarshal(msg, &v) == nil {
				target <- v
			}
		}))
		// Barrier: the sub frame is processed before Publish runs.
		require.NoError(t, c.Flush(context.Background()))
	}

	require.NoError(t, s.Publish("ticks", "tock"))
	for _, ch := range []chan string{got1, got2} {
		select {
		case v := <-ch:
			require.Equal(t, "tock", v)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pubsub delivery")
		}
	}
}

func TestSubscribeSurvivesReconnect(t *testing.T) {
	s, desc := startServer(t, wirebus.Endpoint{
		Name: "obj", Kind: wirebus.KindSharedObject, Object: openSchema,
	})
	so, err := s.SetShared("obj", map[string]any{"n": 0})
	require.NoError(t, err)

	// Keep a handle on the server-side pipe so the test can sever it.
	var serverEnds []transport.Conn
	logger := zerolog.Nop()
	c, err := client.Dial(context.Background(), "pipe://test", desc, client.Options{
		Logger:        &logger,
		InitTimeout:   500 * time.Millisecond,
		ReconnectBase: 20 * time.Millisecond,
		Dialer: func(context.Context) (transport.Conn, error) {
			clientSide, serverSide := transport.Pipe()
			if err := s.Attach(serverSide); err != nil {
				return nil, err
			}
			serverEnds = append(serverEnds, serverSide)
			return clientSide, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	o, init := subscribeReady(t, c, "obj")
	require.Equal(t, int64(0), init.V)

	require.NoError(t, so.Update(func(root *state.Node) error {
		return root.Set("n", 1)
	}))
	require.Eventually(t, func() bool { return o.Version() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Sever the transport; the client reconnects, replays its sub, and
	// rebuilds the replica from a fresh init at the current version.
	serverEnds[0].Close()
	require.Eventually(t, func() bool {
		return o.Ready() && o.Version() == 1 && len(serverEnds) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, so.Update(func(root *state.Node) error {
		return root.Set("n", 2)
	}))
	require.Eventually(t, func() bool { return o.Version() == 2 }, 2*time.Second, 10*time.Millisecond)
}
