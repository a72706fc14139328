package transport

import (
	"os"
	"sync"
	"time"
)

const pipeBuffer = 256

// Pipe returns a connected in-memory Conn pair. Frames written on one
// side arrive in order on the other. Closing either side closes both
// once in-flight frames drain, mirroring how a socket pair fails.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{recv: ba, send: ab, done: done, closeOnce: once, addr: "pipe:a"}
	b := &pipeConn{recv: ab, send: ba, done: done, closeOnce: once, addr: "pipe:b"}
	return a, b
}

type pipeConn struct {
	recv      chan []byte
	send      chan []byte
	done      chan struct{}
	closeOnce *sync.Once
	addr      string

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	// Drain buffered frames even after close, so ordered shutdown
	// (send init, then hang up) stays observable.
	select {
	case msg := <-p.recv:
		return msg, nil
	default:
	}

	timeout, stop, err := p.timer(&p.readDeadline)
	if err != nil {
		return nil, err
	}
	defer stop()

	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.done:
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
		}
		return nil, ErrClosed
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	timeout, stop, err := p.timer(&p.writeDeadline)
	if err != nil {
		return err
	}
	defer stop()

	// Copy: callers may reuse the buffer after WriteMessage returns.
	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case p.send <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	case <-timeout:
		return os.ErrDeadlineExceeded
	}
}

// timer arms a channel for the given deadline. A nil channel never
// fires, which is exactly what a cleared deadline needs.
func (p *pipeConn) timer(deadline *time.Time) (<-chan time.Time, func(), error) {
	p.mu.Lock()
	d := *deadline
	p.mu.Unlock()
	if d.IsZero() {
		return nil, func() {}, nil
	}
	wait := time.Until(d)
	if wait <= 0 {
		return nil, func() {}, os.ErrDeadlineExceeded
	}
	t := time.NewTimer(wait)
	return t.C, func() { t.Stop() }, nil
}

func (p *pipeConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.readDeadline = t
	p.mu.Unlock()
	return nil
}

func (p *pipeConn) SetWriteDeadline(t time.Time) error {
	p.mu.Lock()
	p.writeDeadline = t
	p.mu.Unlock()
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.addr }

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
