package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn adapts a gobwas connection to Conn. The role decides which
// side of the masking rules we sit on.
type wsConn struct {
	conn   net.Conn
	rw     io.ReadWriter
	server bool
}

// Upgrade converts an HTTP request into a server-side Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn, rw: conn, server: true}, nil
}

// Dial opens a client-side Conn against a ws:// or wss:// URL.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var rw io.ReadWriter = conn
	if br != nil {
		// The server pushed frames right behind the handshake; keep them.
		rw = bufferedRW{io.MultiReader(br, conn), conn}
	}
	return &wsConn{conn: conn, rw: rw, server: false}, nil
}

type bufferedRW struct {
	io.Reader
	io.Writer
}

// NewServerConn wraps an already-upgraded server-side net.Conn.
func NewServerConn(conn net.Conn) Conn {
	return &wsConn{conn: conn, rw: conn, server: true}
}

// NewClientConn wraps an already-upgraded client-side net.Conn,
// keeping any bytes the dialer buffered past the handshake.
func NewClientConn(conn net.Conn, br *bufio.Reader) Conn {
	c := &wsConn{conn: conn, rw: conn, server: false}
	if br != nil {
		c.rw = bufferedRW{io.MultiReader(br, conn), conn}
	}
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		var (
			msg []byte
			op  ws.OpCode
			err error
		)
		if c.server {
			msg, op, err = wsutil.ReadClientData(c.rw)
		} else {
			msg, op, err = wsutil.ReadServerData(c.rw)
		}
		if err != nil {
			return nil, mapWSError(err)
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			return msg, nil
		case ws.OpClose:
			return nil, ErrClosed
		default:
			// Control frames are answered inside wsutil; keep reading.
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	var err error
	if c.server {
		err = wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	} else {
		err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	}
	return mapWSError(err)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *wsConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *wsConn) Close() error {
	if c.server {
		wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
	} else {
		wsutil.WriteClientMessage(c.conn, ws.OpClose, []byte{})
	}
	return c.conn.Close()
}

func mapWSError(err error) error {
	if err == nil {
		return nil
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
