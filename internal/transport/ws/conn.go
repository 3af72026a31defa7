// Package ws provides the WebSocket transport built on gobwas/ws.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/partychat/internal/transport"
)

const (
	// DefaultDialTimeout bounds the TCP and handshake phase of Dial.
	DefaultDialTimeout = 10 * time.Second

	// MaxMessageSize is the largest text message Read accepts, summed over
	// all of its fragments.
	MaxMessageSize = 1 << 20
)

// ErrMessageTooLarge is returned by Read when a message exceeds
// MaxMessageSize. The connection cannot be read from afterwards.
var ErrMessageTooLarge = errors.New("message too large")

// Conn adapts a client-side gobwas/ws connection to transport.Conn.
type Conn struct {
	conn net.Conn
	rd   *wsutil.Reader

	// wmu serializes frame writes: data frames, pings and control replies
	// must not interleave on the wire.
	wmu    sync.Mutex
	closed bool
}

// NewConn wraps an established client connection. br is the buffered reader
// returned by the handshake, if any.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Conn{conn: conn}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		MaxFrameSize:   MaxMessageSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Dial opens a WebSocket connection to url with DefaultDialTimeout.
func Dial(ctx context.Context, url string) (transport.Conn, error) {
	return NewDialer(DefaultDialTimeout)(ctx, url)
}

// NewDialer returns a transport.Dialer using the given handshake timeout.
func NewDialer(timeout time.Duration) transport.Dialer {
	d := ws.Dialer{Timeout: timeout}
	return func(ctx context.Context, url string) (transport.Conn, error) {
		conn, br, _, err := d.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		return NewConn(conn, br), nil
	}
}

// Read implements transport.Conn.
// Control frames are answered inline, including those interleaved with the
// fragments of a message; binary frames are skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.rd.NextFrame()
		if errors.Is(err, wsutil.ErrFrameTooLarge) {
			return nil, ErrMessageTooLarge
		}
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, closeError(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(c.rd, MaxMessageSize+1))
		if errors.Is(err, wsutil.ErrFrameTooLarge) || len(data) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		if err != nil {
			return nil, closeError(err)
		}
		return data, nil
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.writeFrame(ctx, ws.OpText, data)
}

// Ping implements transport.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	return c.writeFrame(ctx, ws.OpPing, nil)
}

// Close implements transport.Conn.
// The close frame is best effort; the socket is released regardless.
func (c *Conn) Close(code uint16, reason string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) writeFrame(ctx context.Context, op ws.OpCode, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// handleControl answers pings and close frames. The reply is staged in a
// buffer so it reaches the socket as one locked write.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateClientSide)(hdr, r)
	if buf.Len() > 0 {
		c.wmu.Lock()
		if !c.closed {
			_, _ = c.conn.Write(buf.Bytes())
		}
		c.wmu.Unlock()
	}
	return err
}

// closeError converts the close frame reported by wsutil into a
// transport.CloseError.
func closeError(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return &transport.CloseError{Code: uint16(closed.Code), Reason: closed.Reason}
	}
	return err
}
