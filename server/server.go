// Package server implements the bus server: one WebSocket-carried
// frame multiplexer routing RPC, PubSub, PushPull, and SharedObject
// endpoints declared in a shared descriptor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/internal/limits"
	"github.com/adred-codev/wirebus/internal/monitoring"
	"github.com/adred-codev/wirebus/schemapath"
	"github.com/adred-codev/wirebus/transport"
)

// Options tunes a Server. Zero values take the documented defaults.
type Options struct {
	Logger *zerolog.Logger

	HeartbeatInterval time.Duration // server->client heartbeat cadence, default 5s
	RPCTimeout        time.Duration // handler context deadline, default 10s
	MaxConnections    int           // concurrent connection cap, default 4096
	SendBuffer        int           // frames buffered per connection, default 256
	WorkerCount       int           // RPC workers, default 2 x GOMAXPROCS
	WorkerQueueSize   int           // RPC queue, default WorkerCount x 100
	MaxUpdateBytes    int           // update frame budget before falling back to init, default 1 MiB

	FrameBurst int     // per-connection inbound burst, default 100
	FrameRate  float64 // per-connection sustained frames/sec, default 10

	// Gate rejects connection floods before the upgrade. Optional; the
	// server stops it on Shutdown when set.
	Gate *limits.ConnectionGate

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = 10 * time.Second
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = 4096
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
	if o.WorkerCount == 0 {
		o.WorkerCount = runtime.GOMAXPROCS(0) * 2
	}
	if o.WorkerQueueSize == 0 {
		o.WorkerQueueSize = o.WorkerCount * 100
	}
	if o.MaxUpdateBytes == 0 {
		o.MaxUpdateBytes = 1 << 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// HandlerFunc serves one RPC request. The input is the raw JSON the
// client sent, already validated against the endpoint's input schema
// when one is declared. The returned value is validated against the
// output schema and marshaled into the response.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (any, error)

// endpointState is the server-side runtime of one declared endpoint.
type endpointState struct {
	ep      wirebus.Endpoint
	input   schemapath.Validator
	output  schemapath.Validator
	message schemapath.Validator

	handler HandlerFunc   // RPC, guarded by Server.mu
	shared  *SharedObject // SharedObject, guarded by Server.mu until set
	rr      int64         // PushPull round-robin cursor, atomic
}

// Server multiplexes every declared endpoint over attached
// connections. Create with New, register handlers and shared objects,
// then expose it via ServeHTTP or Attach.
type Server struct {
	opts       Options
	logger     zerolog.Logger
	descriptor *wirebus.Descriptor

	mu        sync.RWMutex
	endpoints map[string]*endpointState

	conns     sync.Map // *conn -> struct{}
	connSeq   int64
	connCount int64
	connSem   chan struct{}
	subs      *subscriberIndex

	frameLimiter *limits.FrameLimiter
	workers      *workerPool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a Server for the descriptor, compiling every declared
// schema up front so malformed descriptors fail here rather than on
// the first frame.
func New(descriptor *wirebus.Descriptor, opts Options) (*Server, error) {
	opts.applyDefaults()

	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = zerolog.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:         opts,
		logger:       logger.With().Str("component", "bus_server").Logger(),
		descriptor:   descriptor,
		endpoints:    make(map[string]*endpointState),
		connSem:      make(chan struct{}, opts.MaxConnections),
		subs:         newSubscriberIndex(),
		frameLimiter: limits.NewFrameLimiter(opts.FrameBurst, opts.FrameRate),
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, ep := range descriptor.Endpoints() {
		es := &endpointState{ep: ep}
		var err error
		if es.input, err = compileOptional(ep.Input); err != nil {
			cancel()
			return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "input schema: %w", err)
		}
		if es.output, err = compileOptional(ep.Output); err != nil {
			cancel()
			return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "output schema: %w", err)
		}
		if es.message, err = compileOptional(ep.Message); err != nil {
			cancel()
			return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "message schema: %w", err)
		}
		s.endpoints[ep.Name] = es
	}

	s.workers = newWorkerPool(opts.WorkerCount, opts.WorkerQueueSize, s.logger)
	s.workers.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "heartbeat_loop", nil)
		s.heartbeatLoop()
	}()

	s.logger.Info().
		Str("descriptor_hash", descriptor.Hash()).
		Int("endpoints", len(s.endpoints)).
		Int("max_connections", opts.MaxConnections).
		Dur("heartbeat", opts.HeartbeatInterval).
		Msg("Bus server initialized")

	return s, nil
}

func compileOptional(raw json.RawMessage) (schemapath.Validator, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return schemapath.Compile(raw)
}

// now returns the server clock, honoring the test override.
func (s *Server) now() time.Time {
	return s.opts.Now()
}

// ConnectionCount returns the number of currently attached
// connections. Used by health endpoints.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}

// Descriptor returns the descriptor the server was built from.
func (s *Server) Descriptor() *wirebus.Descriptor {
	return s.descriptor
}

// HandleFunc registers the RPC handler for an endpoint. Replacing a
// handler is allowed; requests in flight finish on the old one.
func (s *Server) HandleFunc(endpoint string, h HandlerFunc) error {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if es.ep.Kind != wirebus.KindRPC {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not rpc", es.ep.Kind)
	}
	s.mu.Lock()
	es.handler = h
	s.mu.Unlock()
	return nil
}

// SetShared installs the authoritative initial value for a
// sharedObject endpoint. The value is validated before any subscriber
// can observe it; call this before exposing the server.
func (s *Server) SetShared(endpoint string, initial any) (*SharedObject, error) {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if es.ep.Kind != wirebus.KindSharedObject {
		return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not sharedObject", es.ep.Kind)
	}
	o, err := newSharedObject(s, es.ep, initial)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	es.shared = o
	s.mu.Unlock()
	return o, nil
}

// Shared returns the shared object previously installed with
// SetShared.
func (s *Server) Shared(endpoint string) (*SharedObject, bool) {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	o := es.shared
	s.mu.RUnlock()
	return o, o != nil
}

// Publish broadcasts a message to every subscriber of a pubsub
// endpoint. The frame is serialized once regardless of fan-out.
func (s *Server) Publish(endpoint string, message any) error {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if es.ep.Kind != wirebus.KindPubSub {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not pubsub", es.ep.Kind)
	}
	frame, err := s.messageFrame(es, endpoint, message)
	if err != nil {
		return err
	}
	for _, c := range s.subs.Get(endpoint) {
		s.enqueueFrame(c, frame)
	}
	monitoring.BroadcastSent(endpoint)
	return nil
}

// Push hands a message to exactly one subscriber of a pushpull
// endpoint, rotating through them round-robin.
func (s *Server) Push(endpoint string, message any) error {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if es.ep.Kind != wirebus.KindPushPull {
		return wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not pushpull", es.ep.Kind)
	}
	frame, err := s.messageFrame(es, endpoint, message)
	if err != nil {
		return err
	}
	subs := s.subs.Get(endpoint)
	if len(subs) == 0 {
		return wirebus.Errorf(wirebus.CodeConnectionFailed, endpoint, "no pull subscribers connected")
	}
	cursor := atomic.AddInt64(&es.rr, 1)
	target := subs[int((cursor-1)%int64(len(subs)))]
	s.enqueueFrame(target, frame)
	monitoring.BroadcastSent(endpoint)
	return nil
}

func (s *Server) messageFrame(es *endpointState, endpoint string, message any) ([]byte, error) {
	if es.message != nil {
		if err := es.message.Validate(message); err != nil {
			return nil, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "message: %w", err)
		}
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "message not serializable: %w", err)
	}
	return wirebus.EncodeMessage(endpoint, raw)
}

// ServeHTTP upgrades the request and attaches the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.Gate != nil && !s.opts.Gate.Allow(remoteIP(r)) {
		monitoring.ConnectionFailed()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if atomic.LoadInt64(&s.connCount) >= int64(s.opts.MaxConnections) {
		monitoring.ConnectionFailed()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	tc, err := transport.Upgrade(w, r)
	if err != nil {
		monitoring.ConnectionFailed()
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	if err := s.Attach(tc); err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Connection rejected")
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Attach adopts an established connection and starts its pumps. Used
// directly by tests over an in-memory pipe and by ServeHTTP after the
// upgrade.
func (s *Server) Attach(tc transport.Conn) error {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		tc.Close()
		return wirebus.Errorf(wirebus.CodeConnectionFailed, "", "server shutting down")
	}
	select {
	case s.connSem <- struct{}{}:
	default:
		tc.Close()
		monitoring.ConnectionFailed()
		return wirebus.Errorf(wirebus.CodeConnectionFailed, "", "connection limit reached")
	}

	c := newConn(atomic.AddInt64(&s.connSeq, 1), tc, s.opts.SendBuffer)
	s.conns.Store(c, struct{}{})
	atomic.AddInt64(&s.connCount, 1)
	monitoring.ConnectionOpened()

	s.logger.Info().
		Int64("conn_id", c.id).
		Str("remote", tc.RemoteAddr()).
		Int64("active", atomic.LoadInt64(&s.connCount)).
		Msg("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "write_pump", map[string]any{"conn_id": c.id})
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "read_pump", map[string]any{"conn_id": c.id})
		s.readPump(c)
	}()

	// Greet immediately so the client can size its watchdog without
	// waiting a full tick.
	if frame, err := wirebus.EncodeHeartbeat(s.opts.HeartbeatInterval.Milliseconds()); err == nil {
		s.enqueueFrame(c, frame)
	}
	return nil
}

func (s *Server) readPump(c *conn) {
	reason := "read_error"
	initiatedBy := "client"
	defer func() {
		s.disconnect(c, reason, initiatedBy)
	}()

	for {
		msg, err := c.tc.ReadMessage()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				reason = "closed"
			}
			return
		}
		monitoring.FrameReceived(len(msg))

		if !s.frameLimiter.Allow(c.id) {
			monitoring.FrameRateLimited()
			s.logger.Debug().Int64("conn_id", c.id).Msg("Inbound frame rate limited, dropping")
			continue
		}

		if err := s.handleFrame(c, msg); err != nil {
			// Malformed JSON is fatal for the connection; the client's
			// reconnect path restores service.
			reason = "protocol_error"
			initiatedBy = "server"
			s.logger.Error().Err(err).Int64("conn_id", c.id).Msg("Closing connection on malformed frame")
			return
		}
	}
}

func (s *Server) writePump(c *conn) {
	defer c.close()
	for {
		select {
		case frame := <-c.send:
			c.tc.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.tc.WriteMessage(frame); err != nil {
				s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("Write failed")
				return
			}
			monitoring.FrameSent(len(frame))
		case <-c.done:
			return
		}
	}
}

func (s *Server) handleFrame(c *conn, raw []byte) error {
	f, err := wirebus.DecodeFrame(raw)
	if err != nil {
		return err
	}
	switch f.Type {
	case wirebus.FrameSub:
		s.handleSub(c, f.Endpoint)
	case wirebus.FrameUnsub:
		s.handleUnsub(c, f.Endpoint)
	case wirebus.FrameRPCRequest:
		s.handleRPC(c, f)
	default:
		// Unknown frame types are dropped silently per the wire contract.
		s.logger.Debug().Str("type", f.Type).Int64("conn_id", c.id).Msg("Dropping unknown frame type")
	}
	return nil
}

func (s *Server) handleSub(c *conn, endpoint string) {
	es, ok := s.endpoints[endpoint]
	if !ok {
		s.logger.Warn().Str("endpoint", endpoint).Int64("conn_id", c.id).Msg("Sub for unknown endpoint ignored")
		return
	}
	switch es.ep.Kind {
	case wirebus.KindSharedObject:
		s.mu.RLock()
		o := es.shared
		s.mu.RUnlock()
		if o == nil {
			s.logger.Warn().Str("endpoint", endpoint).Msg("Sub before SetShared; no initial value to serve")
			return
		}
		// Duplicate subs are the client's re-init mechanism: send a
		// fresh init either way.
		o.addSubscriber(c)
	case wirebus.KindPubSub, wirebus.KindPushPull:
		s.subs.Add(endpoint, c)
	default:
		s.logger.Warn().Str("endpoint", endpoint).Msg("Sub for rpc endpoint ignored")
	}
}

func (s *Server) handleUnsub(c *conn, endpoint string) {
	es, ok := s.endpoints[endpoint]
	if !ok {
		return
	}
	s.subs.Remove(endpoint, c)
	if es.ep.Kind == wirebus.KindSharedObject {
		monitoring.SharedObjectSubscribers(endpoint, s.subs.Count(endpoint))
	}
}

func (s *Server) handleRPC(c *conn, f *wirebus.Frame) {
	// Reserved endpoints answer inline on the read goroutine: their
	// responses must keep FIFO position behind frames already queued,
	// which is what makes _flush a barrier.
	switch f.Endpoint {
	case wirebus.DescriptorEndpoint:
		res, _ := json.Marshal(s.descriptor.Hash())
		s.reply(c, f.ID, f.Endpoint, nil, res)
		return
	case wirebus.FlushEndpoint:
		s.reply(c, f.ID, f.Endpoint, nil, json.RawMessage("null"))
		return
	}

	es, ok := s.endpoints[f.Endpoint]
	if !ok || es.ep.Kind != wirebus.KindRPC {
		s.replyErr(c, f.ID, f.Endpoint, wirebus.Errorf(wirebus.CodeUnknownEndpoint, f.Endpoint, "no such rpc endpoint"))
		return
	}
	s.mu.RLock()
	handler := es.handler
	s.mu.RUnlock()
	if handler == nil {
		s.replyErr(c, f.ID, f.Endpoint, wirebus.Errorf(wirebus.CodeMissingHandler, f.Endpoint, "no handler registered"))
		return
	}

	id, endpoint, input := f.ID, f.Endpoint, f.Input
	if !s.workers.Submit(func() { s.runRPC(c, es, handler, id, endpoint, input) }) {
		s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeTimeout, endpoint, "server overloaded, request rejected"))
	}
}

func (s *Server) runRPC(c *conn, es *endpointState, handler HandlerFunc, id int64, endpoint string, input json.RawMessage) {
	start := time.Now()
	code := ""
	defer func() {
		monitoring.ObserveRPC(endpoint, time.Since(start).Seconds(), code)
	}()
	defer func() {
		// A handler panic becomes an error response, never a crash.
		if r := recover(); r != nil {
			code = string(wirebus.CodeValidationFailed)
			s.logger.Error().
				Interface("panic_value", r).
				Str("endpoint", endpoint).
				Msg("RPC handler panicked")
			s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "handler panic: %v", r))
		}
	}()

	if es.input != nil {
		var decoded any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &decoded); err != nil {
				code = string(wirebus.CodeValidationFailed)
				s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "input: %w", err))
				return
			}
		}
		if err := es.input.Validate(decoded); err != nil {
			code = string(wirebus.CodeValidationFailed)
			s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "input: %w", err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RPCTimeout)
	defer cancel()

	res, err := handler(ctx, input)
	if err != nil {
		if be := new(wirebus.Error); errors.As(err, &be) {
			code = string(be.Code)
		} else {
			code = "handler"
		}
		s.replyErr(c, id, endpoint, err)
		return
	}

	if es.output != nil {
		if err := es.output.Validate(res); err != nil {
			code = string(wirebus.CodeValidationFailed)
			s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "output: %w", err))
			return
		}
	}

	raw, err := json.Marshal(res)
	if err != nil {
		code = string(wirebus.CodeValidationFailed)
		s.replyErr(c, id, endpoint, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "result not serializable: %w", err))
		return
	}
	s.reply(c, id, endpoint, nil, raw)
}

func (s *Server) reply(c *conn, id int64, endpoint string, werr *wirebus.WireError, res json.RawMessage) {
	frame, err := wirebus.EncodeRPCResponse(id, endpoint, werr, res)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to encode rpc response")
		return
	}
	s.enqueueFrame(c, frame)
}

func (s *Server) replyErr(c *conn, id int64, endpoint string, err error) {
	s.reply(c, id, endpoint, wirebus.WrapWireError(err, ""), nil)
}

// enqueueFrame queues a frame for one connection, applying the
// three-strikes slow client policy on a full buffer.
func (s *Server) enqueueFrame(c *conn, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}

	attempts := atomic.AddInt32(&c.sendAttempts, 1)
	if attempts == 1 && atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1) {
		s.logger.Warn().
			Int64("conn_id", c.id).
			Int("buffer_cap", cap(c.send)).
			Msg("Client send buffer full")
	}
	if attempts >= slowClientStrikes {
		s.logger.Warn().
			Int64("conn_id", c.id).
			Int32("consecutive_failures", attempts).
			Msg("Disconnecting slow client")
		monitoring.SlowClientDisconnected()
		s.disconnect(c, "write_backpressure", "server")
	}
	return false
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	frequencyMs := s.opts.HeartbeatInterval.Milliseconds()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			frame, err := wirebus.EncodeHeartbeat(frequencyMs)
			if err != nil {
				continue
			}
			s.conns.Range(func(key, _ any) bool {
				s.enqueueFrame(key.(*conn), frame)
				return true
			})
		}
	}
}

// disconnect tears a connection down exactly once: closes it, releases
// its slot, and scrubs it from every subscriber set.
func (s *Server) disconnect(c *conn, reason, initiatedBy string) {
	c.close()
	if _, loaded := s.conns.LoadAndDelete(c); !loaded {
		return
	}

	atomic.AddInt64(&s.connCount, -1)
	monitoring.ConnectionClosed(reason, initiatedBy)
	s.subs.RemoveConn(c)
	s.frameLimiter.Remove(c.id)

	for name, es := range s.endpoints {
		if es.ep.Kind == wirebus.KindSharedObject {
			monitoring.SharedObjectSubscribers(name, s.subs.Count(name))
		}
	}

	<-s.connSem

	s.logger.Info().
		Int64("conn_id", c.id).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// Shutdown closes every connection and waits for the pumps and workers
// to drain, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return nil
	}
	s.logger.Info().Msg("Bus server shutting down")

	s.cancel()
	s.conns.Range(func(key, _ any) bool {
		key.(*conn).close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.workers.Stop()
	if s.opts.Gate != nil {
		s.opts.Gate.Stop()
	}
	return err
}
