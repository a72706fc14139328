package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/wirebus/transport"
)

const (
	// Time allowed to write a frame before the client counts as dead.
	writeWait = 5 * time.Second

	// Consecutive full-buffer sends before a slow client is evicted.
	// One or two misses can be a network hiccup; three is a pattern.
	slowClientStrikes = 3
)

// conn is the server's view of one client connection. A buffered send
// channel decouples broadcasts from socket writes: the write pump is
// the only goroutine touching the transport writer, and broadcasts
// never block on a slow peer.
type conn struct {
	id          int64
	tc          transport.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	// Slow-client bookkeeping, all atomic.
	sendAttempts int32
	slowWarned   int32
}

func newConn(id int64, tc transport.Conn, sendBuffer int) *conn {
	return &conn{
		id:          id,
		tc:          tc,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// enqueue places a frame on the send queue without blocking. A full
// queue returns false; the server layers eviction on top.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.tc.Close()
	})
}

// subscriberIndex maps endpoints to subscriber snapshots. Reads on the
// broadcast hot path are lock-free atomic loads of immutable slices;
// subscription changes copy-on-write under the mutex.
type subscriberIndex struct {
	mu         sync.Mutex
	byEndpoint map[string]*atomic.Value // holds []*conn
}

func newSubscriberIndex() *subscriberIndex {
	return &subscriberIndex{byEndpoint: make(map[string]*atomic.Value)}
}

// Get returns the current subscriber snapshot for an endpoint. The
// slice must not be mutated.
func (idx *subscriberIndex) Get(endpoint string) []*conn {
	idx.mu.Lock()
	av := idx.byEndpoint[endpoint]
	idx.mu.Unlock()
	if av == nil {
		return nil
	}
	if v := av.Load(); v != nil {
		return v.([]*conn)
	}
	return nil
}

func (idx *subscriberIndex) Count(endpoint string) int {
	return len(idx.Get(endpoint))
}

// Add subscribes c to endpoint. Duplicate adds are no-ops.
func (idx *subscriberIndex) Add(endpoint string, c *conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	av := idx.byEndpoint[endpoint]
	if av == nil {
		av = &atomic.Value{}
		idx.byEndpoint[endpoint] = av
	}

	var current []*conn
	if v := av.Load(); v != nil {
		current = v.([]*conn)
	}
	for _, existing := range current {
		if existing == c {
			return
		}
	}

	next := make([]*conn, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	av.Store(next)
}

// Remove unsubscribes c from endpoint.
func (idx *subscriberIndex) Remove(endpoint string, c *conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(endpoint, c)
}

// RemoveConn drops c from every endpoint, used on disconnect.
func (idx *subscriberIndex) RemoveConn(c *conn) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for endpoint := range idx.byEndpoint {
		idx.removeLocked(endpoint, c)
	}
}

func (idx *subscriberIndex) removeLocked(endpoint string, c *conn) {
	av := idx.byEndpoint[endpoint]
	if av == nil {
		return
	}
	v := av.Load()
	if v == nil {
		return
	}
	current := v.([]*conn)
	for i, existing := range current {
		if existing != c {
			continue
		}
		next := make([]*conn, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		av.Store(next)
		return
	}
}
