// Package client implements the bus client: one reconnecting
// text-frame connection multiplexing RPC calls, PubSub/PushPull
// message delivery, and SharedObject replicas against a server built
// from the same descriptor.
//
// Frames are dispatched serially from a single reader goroutine, so
// callback code observes the same ordering the server emitted. Clients
// never publish message frames; client-to-server traffic is sub, unsub,
// and rpc:req only, so anything a client wants to say travels over an
// RPC endpoint.
package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/transport"
)

const writeWait = 5 * time.Second

// Options tunes a Client. Zero values take the documented defaults.
type Options struct {
	Logger *zerolog.Logger

	InitTimeout   time.Duration // re-sub interval while awaiting init, default 3s
	RPCTimeout    time.Duration // per-call deadline, default 10s
	ReconnectBase time.Duration // first backoff step, default 500ms
	ReconnectMax  time.Duration // backoff ceiling, default 30s

	// Dialer overrides how connections are established. Tests hand in
	// transport.Pipe ends; the default dials the URL over WebSocket.
	Dialer func(ctx context.Context) (transport.Conn, error)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.InitTimeout == 0 {
		o.InitTimeout = 3 * time.Second
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = 10 * time.Second
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type rpcResult struct {
	err *wirebus.WireError
	res json.RawMessage
}

// Client is the bus client. Create with Dial; it keeps reconnecting
// until Close.
type Client struct {
	opts       Options
	logger     zerolog.Logger
	descriptor *wirebus.Descriptor
	dial       func(ctx context.Context) (transport.Conn, error)

	mu         sync.Mutex
	tc         transport.Conn
	connected  bool
	closed     bool
	subscribed map[string]struct{}
	handlers   map[string]func(json.RawMessage)
	shared     map[string]*SharedObject

	onConnected    []func()
	onDisconnected []func()

	writeMu sync.Mutex

	rpcSeq    int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult

	lastMessage   int64 // unix nanos, atomic
	heartbeatFreq int64 // milliseconds, atomic

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to a bus server and starts the read and watchdog
// loops. The first connection is established synchronously so a bad
// address fails here; later drops reconnect in the background with
// exponential backoff.
func Dial(ctx context.Context, url string, descriptor *wirebus.Descriptor, opts Options) (*Client, error) {
	opts.applyDefaults()

	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = zerolog.Nop()
	}

	c := &Client{
		opts:       opts,
		logger:     logger.With().Str("component", "bus_client").Logger(),
		descriptor: descriptor,
		subscribed: make(map[string]struct{}),
		handlers:   make(map[string]func(json.RawMessage)),
		shared:     make(map[string]*SharedObject),
		pending:    make(map[int64]chan rpcResult),
		done:       make(chan struct{}),
	}
	c.dial = opts.Dialer
	if c.dial == nil {
		c.dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.Dial(ctx, url)
		}
	}

	tc, err := c.dial(ctx)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeConnectionFailed, "", "dial %s: %w", url, err)
	}
	c.install(tc)

	c.wg.Add(2)
	go c.run(tc)
	go c.watchdog()

	c.logger.Info().Str("url", url).Str("descriptor_hash", descriptor.Hash()).Msg("Bus client connected")
	return c, nil
}

// Connected reports whether a live connection is up right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnected registers a callback invoked after every successful
// (re)connection. Callbacks run on the connection goroutine.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

// OnDisconnected registers a callback invoked when the connection
// drops, including heartbeat timeouts.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.mu.Unlock()
}

// Call performs one RPC round trip. The input is marshaled into the
// request; the response is unmarshaled into out when out is non-nil.
// Server-side errors come back as *wirebus.Error with their code
// intact.
func (c *Client) Call(ctx context.Context, endpoint string, input any, out any) error {
	if !strings.HasPrefix(endpoint, "_") {
		ep, ok := c.descriptor.Endpoint(endpoint)
		if !ok {
			return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
		}
		if ep.Kind != wirebus.KindRPC {
			return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not rpc", ep.Kind)
		}
	}

	var raw json.RawMessage
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "input not serializable: %w", err)
		}
		raw = b
	}

	id := atomic.AddInt64(&c.rpcSeq, 1)
	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, err := wirebus.EncodeRPCRequest(id, endpoint, raw)
	if err != nil {
		return wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "encode request: %w", err)
	}
	if err := c.send(frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.RPCTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err.Err(endpoint)
		}
		if out != nil && len(r.res) > 0 {
			if err := json.Unmarshal(r.res, out); err != nil {
				return wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "decode response: %w", err)
			}
		}
		return nil
	case <-timer.C:
		return wirebus.Errorf(wirebus.CodeTimeout, endpoint, "rpc timed out after %s", c.opts.RPCTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return wirebus.Errorf(wirebus.CodeConnectionFailed, endpoint, "client closed")
	}
}

// Flush round-trips the reserved barrier endpoint. Because the server
// answers it in FIFO position on the read goroutine, a returned Flush
// proves every frame sent before it has been processed.
func (c *Client) Flush(ctx context.Context) error {
	return c.Call(ctx, wirebus.FlushEndpoint, nil, nil)
}

// CheckDescriptor compares the server's descriptor hash against the
// local one, surfacing drift before it corrupts replicated state.
func (c *Client) CheckDescriptor(ctx context.Context) error {
	var hash string
	if err := c.Call(ctx, wirebus.DescriptorEndpoint, nil, &hash); err != nil {
		return err
	}
	if hash != c.descriptor.Hash() {
		return wirebus.Errorf(wirebus.CodeDescriptorMismatch, "",
			"server descriptor %s does not match local %s", hash, c.descriptor.Hash())
	}
	return nil
}

// OnMessage subscribes to a pubsub or pushpull endpoint and registers
// its delivery callback. The subscription survives reconnects.
func (c *Client) OnMessage(endpoint string, fn func(message json.RawMessage)) error {
	ep, ok := c.descriptor.Endpoint(endpoint)
	if !ok {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if ep.Kind != wirebus.KindPubSub && ep.Kind != wirebus.KindPushPull {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not a message kind", ep.Kind)
	}

	c.mu.Lock()
	c.handlers[endpoint] = fn
	c.subscribed[endpoint] = struct{}{}
	connected := c.connected
	c.mu.Unlock()

	if connected {
		frame, err := wirebus.EncodeSub(endpoint)
		if err != nil {
			return err
		}
		return c.send(frame)
	}
	return nil
}

// Unsubscribe drops a message endpoint subscription. SharedObject
// subscriptions end through SharedObject.Unsubscribe instead.
func (c *Client) Unsubscribe(endpoint string) error {
	c.mu.Lock()
	delete(c.handlers, endpoint)
	delete(c.subscribed, endpoint)
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	frame, err := wirebus.EncodeUnsub(endpoint)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Close shuts the client down: the connection closes, pending RPCs
// fail, and the background loops drain.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tc := c.tc
	c.mu.Unlock()

	close(c.done)
	if tc != nil {
		tc.Close()
	}
	c.failPending(wirebus.NewError(wirebus.CodeConnectionFailed, "", "client closed").Wire())
	c.wg.Wait()
	return nil
}

// send writes one frame on the live connection. A dead connection
// fails immediately; the caller decides whether that matters.
func (c *Client) send(frame []byte) error {
	c.mu.Lock()
	tc, connected := c.tc, c.connected
	c.mu.Unlock()
	if !connected || tc == nil {
		return wirebus.Errorf(wirebus.CodeConnectionFailed, "", "not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	tc.SetWriteDeadline(time.Now().Add(writeWait))
	if err := tc.WriteMessage(frame); err != nil {
		return wirebus.Errorf(wirebus.CodeConnectionFailed, "", "write: %w", err)
	}
	return nil
}

func (c *Client) install(tc transport.Conn) {
	c.mu.Lock()
	c.tc = tc
	c.connected = true
	c.mu.Unlock()
	atomic.StoreInt64(&c.lastMessage, c.opts.Now().UnixNano())
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run owns the connection lifecycle: read until failure, tear down,
// back off, dial again, replay subscriptions.
func (c *Client) run(tc transport.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(tc)
		c.handleDisconnect()
		if c.isClosed() {
			return
		}
		tc = c.reconnect()
		if tc == nil {
			return
		}
	}
}

func (c *Client) readLoop(tc transport.Conn) {
	for {
		raw, err := tc.ReadMessage()
		if err != nil {
			return
		}
		atomic.StoreInt64(&c.lastMessage, c.opts.Now().UnixNano())

		f, err := wirebus.DecodeFrame(raw)
		if err != nil {
			// Malformed JSON is fatal for the connection; reconnect and
			// resync restore service.
			c.logger.Error().Err(err).Msg("Malformed frame, dropping connection")
			tc.Close()
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *wirebus.Frame) {
	switch f.Type {
	case wirebus.FrameHeartbeat:
		if f.FrequencyMs > 0 {
			atomic.StoreInt64(&c.heartbeatFreq, f.FrequencyMs)
		}
	case wirebus.FrameRPCResponse:
		c.pendingMu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- rpcResult{err: f.Err, res: f.Res}
		}
	case wirebus.FrameInit:
		if o := c.sharedFor(f.Endpoint); o != nil {
			o.handleInit(f)
		}
	case wirebus.FrameUpdate:
		if o := c.sharedFor(f.Endpoint); o != nil {
			o.handleUpdate(f)
		}
	case wirebus.FrameMessage:
		c.mu.Lock()
		fn := c.handlers[f.Endpoint]
		c.mu.Unlock()
		if fn != nil {
			fn(f.Message)
		}
	default:
		// Unknown frame types are dropped silently per the wire contract.
		c.logger.Debug().Str("type", f.Type).Msg("Dropping unknown frame type")
	}
}

func (c *Client) sharedFor(endpoint string) *SharedObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shared[endpoint]
}

// handleDisconnect runs once per connection loss: pending RPCs fail,
// replicas reset, observers hear about it.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	observers := append([]func(){}, c.onDisconnected...)
	objs := make([]*SharedObject, 0, len(c.shared))
	for _, o := range c.shared {
		objs = append(objs, o)
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	c.logger.Warn().Msg("Connection lost")

	c.failPending(wirebus.NewError(wirebus.CodeConnectionFailed, "", "connection lost").Wire())
	for _, o := range objs {
		o.clientDisconnected()
	}
	for _, fn := range observers {
		fn()
	}
}

func (c *Client) failPending(werr *wirebus.WireError) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: werr}
	}
	c.pendingMu.Unlock()
}

// reconnect dials with exponential backoff and jitter until a
// connection lands or the client closes. On success every tracked
// subscription is replayed, which is what re-inits SharedObjects.
func (c *Client) reconnect() transport.Conn {
	backoff := c.opts.ReconnectBase
	for attempt := 1; ; attempt++ {
		// +/-25% jitter keeps a fleet of clients from stampeding the
		// server in lockstep after an outage.
		jitter := time.Duration((rand.Float64() - 0.5) * 0.5 * float64(backoff))
		select {
		case <-c.done:
			return nil
		case <-time.After(backoff + jitter):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tc, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Reconnect failed")
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}

		if c.isClosed() {
			tc.Close()
			return nil
		}
		c.install(tc)
		c.logger.Info().Int("attempt", attempt).Msg("Reconnected")
		c.resubscribe()

		c.mu.Lock()
		observers := append([]func(){}, c.onConnected...)
		objs := make([]*SharedObject, 0, len(c.shared))
		for _, o := range c.shared {
			objs = append(objs, o)
		}
		c.mu.Unlock()
		for _, o := range objs {
			o.clientReconnected()
		}
		for _, fn := range observers {
			fn()
		}
		return tc
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	endpoints := make([]string, 0, len(c.subscribed))
	for ep := range c.subscribed {
		endpoints = append(endpoints, ep)
	}
	c.mu.Unlock()

	for _, ep := range endpoints {
		frame, err := wirebus.EncodeSub(ep)
		if err != nil {
			continue
		}
		if err := c.send(frame); err != nil {
			return
		}
	}
}

// watchdog enforces the heartbeat contract: once the server announces
// its cadence, silence past three intervals drops the connection so
// the reconnect path can rebuild it.
func (c *Client) watchdog() {
	defer c.wg.Done()
	for {
		freq := time.Duration(atomic.LoadInt64(&c.heartbeatFreq)) * time.Millisecond
		wait := freq
		if wait == 0 {
			wait = time.Second
		}
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}
		if freq == 0 {
			continue
		}

		last := time.Unix(0, atomic.LoadInt64(&c.lastMessage))
		if !c.Connected() || c.opts.Now().Sub(last) <= 3*freq {
			continue
		}

		c.logger.Warn().
			Dur("silence", c.opts.Now().Sub(last)).
			Dur("frequency", freq).
			Msg("Heartbeat timeout, dropping connection")
		c.mu.Lock()
		tc := c.tc
		c.mu.Unlock()
		if tc != nil {
			// The read loop unblocks with an error and the normal
			// disconnect path takes over.
			tc.Close()
		}
	}
}

// subscribeEndpoint records a durable subscription and sends the sub
// frame when a connection is up. Used by SharedObject.
func (c *Client) subscribeEndpoint(endpoint string) error {
	c.mu.Lock()
	c.subscribed[endpoint] = struct{}{}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return wirebus.Errorf(wirebus.CodeConnectionFailed, endpoint, "not connected")
	}
	frame, err := wirebus.EncodeSub(endpoint)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Client) unsubscribeEndpoint(endpoint string) {
	c.mu.Lock()
	delete(c.subscribed, endpoint)
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return
	}
	if frame, err := wirebus.EncodeUnsub(endpoint); err == nil {
		c.send(frame)
	}
}
