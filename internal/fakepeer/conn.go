// Package fakepeer is an in-memory watch-party service for tests. It speaks
// the same wire protocol as the hosted service over real WebSockets, keeps
// rooms and their history in memory, and can drop every connection on
// demand.
package fakepeer

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxFrameSize caps a single incoming frame.
const maxFrameSize = 1 << 20

// Conn is the server side of one member's WebSocket.
type Conn struct {
	conn net.Conn
	rd   *wsutil.Reader

	wmu    sync.Mutex
	closed bool
}

func newConn(conn net.Conn, rw *bufio.ReadWriter) *Conn {
	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = io.MultiReader(rw.Reader, conn)
	}
	c := &Conn{conn: conn}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxFrameSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read returns the next text frame.
func (c *Conn) Read() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.rd)
	}
}

// Write sends one text frame.
func (c *Conn) Write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close sends a close frame with code and releases the socket.
func (c *Conn) Close(code ws.StatusCode, reason string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(code, reason))
	return c.conn.Close()
}

// RemoteAddr returns the member's address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(hdr, r)
	if buf.Len() > 0 {
		c.wmu.Lock()
		if !c.closed {
			_, _ = c.conn.Write(buf.Bytes())
		}
		c.wmu.Unlock()
	}
	return err
}

// abort closes the socket without a close frame.
func (c *Conn) abort() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
