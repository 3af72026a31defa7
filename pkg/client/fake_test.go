package client_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/omochice/partychat/pkg/client"
	"github.com/omochice/partychat/pkg/protocol"
)

// fakeConn is a client.Conn scripted by the test.
type fakeConn struct {
	incoming chan []byte
	writes   chan []byte
	closed   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	closeCalls int
	closeCode  uint16
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		writes:   make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.writes <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close(code uint16, reason string) error {
	f.mu.Lock()
	f.closeCalls++
	if f.closeCode == 0 {
		f.closeCode = code
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) CloseCalls() (int, uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeCode
}

// nextWrite waits for the client to write a frame.
func (f *fakeConn) nextWrite(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-f.writes:
		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			t.Fatalf("client wrote an invalid frame %s: %v", data, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the client to write")
		return protocol.Envelope{}
	}
}

// respond answers req with data.
func (f *fakeConn) respond(t *testing.T, req protocol.Envelope, data string) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"type":       req.Type,
		"data":       json.RawMessage(data),
		"callbackId": req.CallbackID,
	})
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	f.incoming <- frame
}

// singleDialer hands out conn once and refuses later dials.
func singleDialer(conn *fakeConn) client.Dialer {
	var used sync.Once
	return func(ctx context.Context, url string) (client.Conn, error) {
		var out client.Conn
		used.Do(func() { out = conn })
		if out == nil {
			return nil, net.ErrClosed
		}
		return out, nil
	}
}
