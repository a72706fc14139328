// Package transport abstracts the text-frame connection the bus runs
// over. The production implementation rides WebSocket via gobwas/ws;
// tests use the in-memory Pipe.
package transport

import (
	"errors"
	"time"
)

// ErrClosed is returned once a connection is closed, by either side.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one bidirectional ordered text-frame connection. A single
// goroutine reads and a single goroutine writes; Close may be called
// from anywhere, repeatedly.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame.
	WriteMessage(data []byte) error

	// SetReadDeadline bounds future ReadMessage calls. Zero clears it.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline bounds future WriteMessage calls. Zero clears it.
	SetWriteDeadline(t time.Time) error

	// RemoteAddr identifies the peer for logs.
	RemoteAddr() string

	Close() error
}
