package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/delta"
	"github.com/adred-codev/wirebus/schemapath"
	"github.com/adred-codev/wirebus/state"
)

// timingInterval is how often accumulated latency samples are folded
// into one average and reported.
const timingInterval = 5 * time.Second

// Init is what Subscribe resolves with: the server's version at
// subscription time and a read-only view of the received value.
type Init struct {
	V    int64
	Data *state.View
}

type initResult struct {
	init Init
	err  error
}

// SharedObject is the client replica of one sharedObject endpoint. The
// server owns the value; the replica tracks it through an init frame
// followed by strictly ordered update deltas. Any break in that order
// (version gap, apply failure, connection loss) is divergence: the
// replica resets and requests a fresh init by re-subscribing, without
// tearing the transport down.
type SharedObject struct {
	c        *Client
	endpoint string
	resolver *schemapath.Resolver

	mu         sync.Mutex
	subscribed bool
	ready      bool
	local      any
	view       *state.View
	vLocal     int64
	waiters    []chan initResult
	initTimer  *time.Timer
	latencies  []time.Duration

	onInit         []func(Init)
	onUpdate       []func(delta.Delta)
	onConnected    []func()
	onDisconnected []func()
	onError        []func(error)
	onTiming       []func(avg time.Duration)

	timingOnce sync.Once
}

// SharedObject returns the replica for a sharedObject endpoint,
// creating it on first use. The same instance is returned for repeated
// calls, so event registrations accumulate in one place.
func (c *Client) SharedObject(endpoint string) (*SharedObject, error) {
	ep, ok := c.descriptor.Endpoint(endpoint)
	if !ok {
		return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint not declared")
	}
	if ep.Kind != wirebus.KindSharedObject {
		return nil, wirebus.Errorf(wirebus.CodeUnknownEndpoint, endpoint, "endpoint kind is %s, not sharedObject", ep.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.shared[endpoint]; ok {
		return o, nil
	}
	resolver, err := schemapath.NewResolver(ep.Object)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, endpoint, "object schema: %w", err)
	}
	o := &SharedObject{c: c, endpoint: endpoint, resolver: resolver}
	c.shared[endpoint] = o
	return o, nil
}

// OnInit registers a callback for every installed init, including the
// re-inits that follow divergence recovery.
func (o *SharedObject) OnInit(fn func(Init)) {
	o.mu.Lock()
	o.onInit = append(o.onInit, fn)
	o.mu.Unlock()
}

// OnUpdate registers a callback invoked after each applied delta.
func (o *SharedObject) OnUpdate(fn func(delta.Delta)) {
	o.mu.Lock()
	o.onUpdate = append(o.onUpdate, fn)
	o.mu.Unlock()
}

// OnConnected registers a callback for transport recovery while
// subscribed.
func (o *SharedObject) OnConnected(fn func()) {
	o.mu.Lock()
	o.onConnected = append(o.onConnected, fn)
	o.mu.Unlock()
}

// OnDisconnected registers a callback for divergence and connection
// loss. After it fires the replica cannot be trusted until the next
// init.
func (o *SharedObject) OnDisconnected(fn func()) {
	o.mu.Lock()
	o.onDisconnected = append(o.onDisconnected, fn)
	o.mu.Unlock()
}

// OnError registers a callback for replica-level failures: validation
// of an init, delta application, version gaps.
func (o *SharedObject) OnError(fn func(error)) {
	o.mu.Lock()
	o.onError = append(o.onError, fn)
	o.mu.Unlock()
}

// OnTiming registers a callback receiving the rolling average
// server-to-client update latency every few seconds.
func (o *SharedObject) OnTiming(fn func(avg time.Duration)) {
	o.mu.Lock()
	o.onTiming = append(o.onTiming, fn)
	o.mu.Unlock()
}

// Subscribe subscribes to the endpoint and blocks until the first init
// lands, the context expires, or Unsubscribe rejects the wait. It is
// idempotent: concurrent callers share one underlying subscription,
// and a caller arriving after readiness gets the current state
// immediately.
func (o *SharedObject) Subscribe(ctx context.Context) (Init, error) {
	o.startTimingLoop()

	o.mu.Lock()
	if o.ready {
		init := Init{V: o.vLocal, Data: o.view}
		o.mu.Unlock()
		return init, nil
	}
	ch := make(chan initResult, 1)
	o.waiters = append(o.waiters, ch)
	alreadySubscribed := o.subscribed
	o.subscribed = true
	o.mu.Unlock()

	if !alreadySubscribed || o.c.Connected() {
		// A send failure is not fatal: the init timer and the reconnect
		// path both retry the sub frame.
		if err := o.c.subscribeEndpoint(o.endpoint); err != nil {
			o.c.logger.Debug().Err(err).Str("endpoint", o.endpoint).Msg("Sub frame deferred until reconnect")
		}
		o.armInitTimer()
	}

	select {
	case r := <-ch:
		return r.init, r.err
	case <-ctx.Done():
		return Init{}, ctx.Err()
	}
}

// Unsubscribe ends the subscription: the server stops sending, the
// replica resets, and pending Subscribe calls fail.
func (o *SharedObject) Unsubscribe() {
	o.mu.Lock()
	if !o.subscribed {
		o.mu.Unlock()
		return
	}
	o.subscribed = false
	o.stopInitTimerLocked()
	o.resetLocked()
	waiters := o.waiters
	o.waiters = nil
	o.mu.Unlock()

	o.c.unsubscribeEndpoint(o.endpoint)
	err := wirebus.Errorf(wirebus.CodeConnectionFailed, o.endpoint, "unsubscribed before init")
	for _, ch := range waiters {
		ch <- initResult{err: err}
	}
}

// Ready reports whether the replica holds a current value.
func (o *SharedObject) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Version returns the replica's version, meaningful only while ready.
func (o *SharedObject) Version() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vLocal
}

// Data returns a read-only view of the replica. It fails until the
// first init has been installed.
func (o *SharedObject) Data() (*state.View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		return nil, wirebus.Errorf(wirebus.CodeConnectionFailed, o.endpoint, "replica not initialized")
	}
	return o.view, nil
}

// handleInit installs a fresh authoritative value. Runs on the
// client's dispatch goroutine.
func (o *SharedObject) handleInit(f *wirebus.Frame) {
	var data any
	if err := json.Unmarshal(f.Data, &data); err != nil {
		o.fail(wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "init payload: %w", err))
		return
	}
	// Validate the wire shape first; dates are still strings here.
	if err := o.resolver.RootValidator().Validate(data); err != nil {
		o.fail(wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "init rejected: %w", err))
		return
	}
	data = o.resolver.ParseDates(nil, data)

	o.mu.Lock()
	if !o.subscribed {
		o.mu.Unlock()
		return
	}
	o.stopInitTimerLocked()
	o.local = data
	o.view = state.NewView(data)
	o.vLocal = f.V
	o.ready = true
	init := Init{V: f.V, Data: o.view}
	waiters := o.waiters
	o.waiters = nil
	callbacks := append([]func(Init){}, o.onInit...)
	o.mu.Unlock()

	o.c.logger.Debug().Str("endpoint", o.endpoint).Int64("v", f.V).Msg("Replica initialized")
	for _, ch := range waiters {
		ch <- initResult{init: init}
	}
	for _, fn := range callbacks {
		fn(init)
	}
}

// handleUpdate applies one versioned delta. Anything but the exact
// next version, or any failure to apply, is divergence.
func (o *SharedObject) handleUpdate(f *wirebus.Frame) {
	o.mu.Lock()
	if !o.ready {
		// Updates can race a re-sub during recovery; they refer to state
		// this replica no longer holds.
		o.mu.Unlock()
		return
	}
	if f.V != o.vLocal+1 {
		expected := o.vLocal + 1
		o.mu.Unlock()
		o.diverge(wirebus.Errorf(wirebus.CodeVersionMismatch, o.endpoint,
			"update v=%d, expected v=%d", f.V, expected))
		return
	}

	d := o.resolver.ParseDeltaDates(nil, f.Delta)
	next, err := delta.Apply(o.local, d)
	if err != nil {
		o.mu.Unlock()
		o.diverge(wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "apply delta at v=%d: %w", f.V, err))
		return
	}
	o.local = next
	o.view = state.NewView(next)
	o.vLocal = f.V

	if sent, perr := time.Parse(time.RFC3339Nano, f.Now); perr == nil {
		o.latencies = append(o.latencies, o.c.opts.Now().Sub(sent))
	}
	callbacks := append([]func(delta.Delta){}, o.onUpdate...)
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn(d)
	}
}

// diverge resets the replica and requests a fresh init, leaving the
// transport alone. Emits disconnected so consumers stop trusting their
// reads.
func (o *SharedObject) diverge(cause error) {
	o.c.logger.Warn().Err(cause).Str("endpoint", o.endpoint).Msg("Replica diverged, requesting fresh init")

	o.mu.Lock()
	o.resetLocked()
	subscribed := o.subscribed
	errCallbacks := append([]func(error){}, o.onError...)
	discCallbacks := append([]func(){}, o.onDisconnected...)
	o.mu.Unlock()

	for _, fn := range errCallbacks {
		fn(cause)
	}
	for _, fn := range discCallbacks {
		fn()
	}

	if subscribed && o.c.Connected() {
		if err := o.c.subscribeEndpoint(o.endpoint); err == nil {
			o.armInitTimer()
		}
	}
}

// fail reports a replica error without divergence handling; used for
// bad init payloads, where re-subscribing would loop on the same data.
func (o *SharedObject) fail(err error) {
	o.c.logger.Error().Err(err).Str("endpoint", o.endpoint).Msg("Replica error")
	o.mu.Lock()
	callbacks := append([]func(error){}, o.onError...)
	o.mu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

// clientDisconnected is called by the Client when the connection drops
// or the heartbeat watchdog fires. Local state cannot be trusted
// anymore; the reconnect path replays the sub frame.
func (o *SharedObject) clientDisconnected() {
	o.mu.Lock()
	wasReady := o.ready
	o.stopInitTimerLocked()
	o.resetLocked()
	callbacks := append([]func(){}, o.onDisconnected...)
	o.mu.Unlock()

	if !wasReady {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
}

// clientReconnected is called by the Client after the sub frame replay
// on a fresh connection.
func (o *SharedObject) clientReconnected() {
	o.mu.Lock()
	subscribed := o.subscribed
	callbacks := append([]func(){}, o.onConnected...)
	o.mu.Unlock()

	if !subscribed {
		return
	}
	o.armInitTimer()
	for _, fn := range callbacks {
		fn()
	}
}

// resetLocked clears the replica. Callers hold o.mu.
func (o *SharedObject) resetLocked() {
	o.ready = false
	o.local = nil
	o.view = nil
	o.vLocal = 0
}

// armInitTimer schedules a re-sub for the case where the init never
// arrives. The timer re-arms itself until readiness or unsubscribe.
func (o *SharedObject) armInitTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopInitTimerLocked()
	o.initTimer = time.AfterFunc(o.c.opts.InitTimeout, o.initTimeout)
}

func (o *SharedObject) stopInitTimerLocked() {
	if o.initTimer != nil {
		o.initTimer.Stop()
		o.initTimer = nil
	}
}

func (o *SharedObject) initTimeout() {
	o.mu.Lock()
	pending := o.subscribed && !o.ready
	o.mu.Unlock()
	if !pending {
		return
	}
	o.c.logger.Warn().Str("endpoint", o.endpoint).Dur("timeout", o.c.opts.InitTimeout).Msg("Init timed out, re-subscribing")
	if o.c.Connected() {
		o.c.subscribeEndpoint(o.endpoint)
	}
	o.armInitTimer()
}

// startTimingLoop launches the latency reporter once per object. It
// lives until the client closes.
func (o *SharedObject) startTimingLoop() {
	o.timingOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(timingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-o.c.done:
					return
				case <-ticker.C:
					o.reportTiming()
				}
			}
		}()
	})
}

func (o *SharedObject) reportTiming() {
	o.mu.Lock()
	samples := o.latencies
	o.latencies = nil
	callbacks := append([]func(time.Duration){}, o.onTiming...)
	o.mu.Unlock()

	if len(samples) == 0 {
		return
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	avg := total / time.Duration(len(samples))
	for _, fn := range callbacks {
		fn(avg)
	}
}
