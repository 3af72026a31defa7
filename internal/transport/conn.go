// Package transport abstracts the duplex text-frame connection to the peer,
// so the connection manager can be driven by a real socket or a fake.
package transport

import (
	"context"
	"fmt"
)

// Close codes carried in the close frame.
const (
	// NormalCloseCode is sent when the client closes after a transport failure.
	NormalCloseCode uint16 = 1000
	// ManualCloseCode marks a close initiated by the caller's teardown, so
	// it can be told apart from closes caused by the peer or the network.
	ManualCloseCode uint16 = 4500
	// AbnormalCloseCode is reported when the connection ended without a close frame.
	AbnormalCloseCode uint16 = 1006
)

// CloseError is returned by Read when the peer sent a close frame.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed by peer (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed by peer (code %d): %s", e.Code, e.Reason)
}

// Conn is a single persistent connection to the peer.
type Conn interface {
	// Read blocks until the next text frame arrives.
	// It returns an error once the connection is closed by either side.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Ping sends a keep-alive signal.
	Ping(ctx context.Context) error

	// Close sends a close frame with code and reason and releases the connection.
	Close(code uint16, reason string) error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to url. It is the seam through which tests replace
// the network socket.
type Dialer func(ctx context.Context, url string) (Conn, error)
