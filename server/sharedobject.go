package server

import (
	"sync"
	"time"

	"github.com/adred-codev/wirebus"
	"github.com/adred-codev/wirebus/delta"
	"github.com/adred-codev/wirebus/internal/monitoring"
	"github.com/adred-codev/wirebus/pathtree"
	"github.com/adred-codev/wirebus/schemapath"
	"github.com/adred-codev/wirebus/state"
)

// SharedObject owns the authoritative value of one sharedObject
// endpoint and replicates it to subscribers as a versioned delta
// stream.
//
// Two data structures track the value:
//   - state: the live tree, mutated through Update. Writes feed their
//     absolute paths into the pending tree when autoNotify is on.
//   - snapshot: a deep clone representing what subscribers have seen.
//     Each flush diffs state against it, advances it by the delta it
//     broadcasts, and bumps v by exactly one.
//
// All fields are guarded by mu. Broadcasts and init sends happen under
// mu too, which is what linearizes the init-before-updates contract:
// an init enqueued while mu is held lands in the connection's FIFO
// send queue before any update from a later flush.
type SharedObject struct {
	endpoint   string
	autoNotify bool

	mu       sync.Mutex
	tracked  *state.Tracked
	snapshot any
	v        int64
	pending  *pathtree.Tree

	resolver       *schemapath.Resolver
	srv            *Server
	maxUpdateBytes int
	nowFn          func() time.Time
	notifyWarn     sync.Once
}

func newSharedObject(s *Server, ep wirebus.Endpoint, initial any) (*SharedObject, error) {
	resolver, err := schemapath.NewResolver(ep.Object)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "object schema: %w", err)
	}

	o := &SharedObject{
		endpoint:       ep.Name,
		autoNotify:     ep.AutoNotifyEnabled(),
		pending:        pathtree.New(),
		resolver:       resolver,
		srv:            s,
		maxUpdateBytes: s.opts.MaxUpdateBytes,
		nowFn:          s.now,
	}

	// Clone canonicalizes the caller's value (numbers to float64,
	// structs to maps) and severs aliasing with caller-held references.
	root, err := delta.Clone(initial)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "initial value: %w", err)
	}

	// Replication tracks paths inside a container; scalar roots are
	// rejected regardless of what the schema would accept.
	switch root.(type) {
	case map[string]any, []any:
	default:
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "initial value must be an object or array, got %T", root)
	}

	var sink state.Sink
	if o.autoNotify {
		sink = func(path []any) { o.pending.Add(path) }
	}
	o.tracked = state.NewTracked(root, sink)

	// The initial value must be valid before any subscriber can see it.
	if err := o.validateRoot(); err != nil {
		return nil, err
	}

	snap, err := delta.Clone(root)
	if err != nil {
		return nil, wirebus.Errorf(wirebus.CodeValidationFailed, ep.Name, "initial value: %w", err)
	}
	o.snapshot = snap
	return o, nil
}

// Version returns the current version counter.
func (o *SharedObject) Version() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Read runs fn with a read-only view of the live state. The view must
// not escape fn.
func (o *SharedObject) Read(fn func(v *state.View) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn(o.tracked.View())
}

// Update runs fn against the writable state tree. With autoNotify on,
// every write records its path and the batch is flushed as a single
// broadcast when fn returns; distinct Update calls produce distinct
// versions. With autoNotify off, writes accumulate silently until the
// caller invokes Notify.
func (o *SharedObject) Update(fn func(root *state.Node) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := fn(o.tracked.At()); err != nil {
		return err
	}
	if !o.autoNotify {
		return nil
	}
	paths := o.pending.Paths()
	o.pending.Clear()
	if err := o.flushLocked(paths); err != nil {
		// The writes stay pending so the next successful flush still
		// covers them once the state is repaired.
		for _, p := range paths {
			o.pending.Add(p)
		}
		return err
	}
	return nil
}

// Notify publishes pending changes. With a hint path, only that
// subtree is validated and diffed; with no arguments the whole object
// is. Calling Notify on an autoNotify object works but logs a one-shot
// warning, since Update already flushes for it.
func (o *SharedObject) Notify(hint ...any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.autoNotify {
		o.notifyWarn.Do(func() {
			o.srv.logger.Warn().
				Str("endpoint", o.endpoint).
				Msg("Notify called on an autoNotify shared object; Update already flushes")
		})
	}

	path := []any{}
	if len(hint) > 0 {
		path = hint
	}
	return o.flushLocked([][]any{path})
}

// addSubscriber sends the init frame and then joins c to the broadcast
// set, in that order and under the object lock, so no update can slip
// in ahead of the init.
func (o *SharedObject) addSubscriber(c *conn) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sendInitLocked(c)
	o.srv.subs.Add(o.endpoint, c)
	monitoring.SharedObjectSubscribers(o.endpoint, o.srv.subs.Count(o.endpoint))
}

func (o *SharedObject) sendInitLocked(c *conn) {
	data, err := delta.Clone(o.tracked.Root())
	if err != nil {
		o.srv.logger.Error().Err(err).Str("endpoint", o.endpoint).Msg("Failed to clone state for init")
		return
	}
	data = o.resolver.FormatDates(nil, data)

	frame, err := wirebus.EncodeInit(o.endpoint, data, o.v)
	if err != nil {
		o.srv.logger.Error().Err(err).Str("endpoint", o.endpoint).Msg("Failed to encode init frame")
		return
	}
	o.srv.enqueueFrame(c, frame)
	monitoring.InitFrameSent(o.endpoint)
}

// flushLocked turns a batch of changed paths into at most one update
// broadcast. Validation runs for every path before the snapshot is
// touched, so a failed flush leaves snapshot, v, and the published
// stream exactly where they were.
func (o *SharedObject) flushLocked(paths [][]any) error {
	if len(paths) == 0 {
		return nil
	}
	start := time.Now()

	rootValidated := false
	for _, p := range paths {
		done, err := o.validatePath(p, rootValidated)
		if err != nil {
			return err
		}
		rootValidated = rootValidated || done
	}

	// Diff each path against the snapshot and advance the snapshot
	// before the next one, so combined entries describe strictly
	// successive states in shortest-path-first order.
	stateRoot := o.tracked.Root()
	var combined delta.Delta
	for _, p := range paths {
		d := delta.ForPath(o.snapshot, stateRoot, p)
		if len(d) == 0 {
			continue
		}
		next, err := delta.Apply(o.snapshot, d)
		if err != nil {
			return wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "snapshot advance at %v: %w", p, err)
		}
		o.snapshot = next
		combined = delta.Compose(combined, d)
	}

	// Nothing actually changed: no broadcast, v untouched.
	if len(combined) == 0 {
		return nil
	}

	o.v++
	now := o.nowFn().UTC().Format(time.RFC3339Nano)
	wireDelta := o.resolver.FormatDeltaDates(nil, combined)

	frame, err := wirebus.EncodeUpdate(o.endpoint, wireDelta, o.v, now)
	if err != nil {
		return wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "encode update: %w", err)
	}

	subs := o.srv.subs.Get(o.endpoint)
	if len(frame) > o.maxUpdateBytes {
		// The delta outgrew the budget; a fresh init per subscriber is
		// cheaper than the patch and resynchronizes everyone at once.
		for _, c := range subs {
			o.sendInitLocked(c)
		}
	} else {
		for _, c := range subs {
			o.srv.enqueueFrame(c, frame)
		}
		monitoring.BroadcastSent(o.endpoint)
	}

	monitoring.SharedObjectFlushed(o.endpoint, o.v, time.Since(start).Seconds())
	return nil
}

// validatePath checks the current state subtree at p against its
// subschema. Paths the resolver cannot statically locate, deleted
// subtrees, and the empty path all fall back to one root validation
// per flush; the bool result reports whether that happened.
func (o *SharedObject) validatePath(p []any, rootValidated bool) (bool, error) {
	res := o.resolver.Resolve(p)
	if len(p) == 0 || res.RootFallback {
		if rootValidated {
			return true, nil
		}
		return true, o.validateRoot()
	}

	sub, ok := delta.Get(o.tracked.Root(), p)
	if !ok {
		if rootValidated {
			return true, nil
		}
		return true, o.validateRoot()
	}

	switch res.Kind {
	case schemapath.KindDate:
		// A date leaf passes as either a timestamp value or a string
		// parseable under the schema's format.
		if err := schemapath.AcceptDate(sub, res.Format); err != nil {
			return rootValidated, wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "path %v: %w", p, err)
		}
	case schemapath.KindPrimitive:
		if err := res.Validator.Validate(sub); err != nil {
			return rootValidated, wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "path %v: %w", p, err)
		}
	default:
		// Complex subtree: run its full validator over a wire-shaped
		// copy so embedded timestamps read as schema-format strings.
		c, err := delta.Clone(sub)
		if err != nil {
			return rootValidated, wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "path %v: %w", p, err)
		}
		c = o.resolver.FormatDates(p, c)
		if err := res.Validator.Validate(c); err != nil {
			return rootValidated, wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "path %v: %w", p, err)
		}
	}
	return rootValidated, nil
}

func (o *SharedObject) validateRoot() error {
	c, err := delta.Clone(o.tracked.Root())
	if err != nil {
		return wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "state not cloneable: %w", err)
	}
	c = o.resolver.FormatDates(nil, c)
	if err := o.resolver.RootValidator().Validate(c); err != nil {
		return wirebus.Errorf(wirebus.CodeValidationFailed, o.endpoint, "%w", err)
	}
	return nil
}
