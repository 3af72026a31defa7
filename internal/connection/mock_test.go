package connection_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/partychat/internal/connection"
	"github.com/omochice/partychat/internal/transport"
	"github.com/omochice/partychat/pkg/protocol"
)

// mockConn is an in-memory transport.Conn driven by the test as the peer.
type mockConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	written    [][]byte
	pings      int
	closeCalls int
	closeCode  uint16
	peerErr    error
	writeErr   error
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.incoming:
		return data, nil
	case <-m.closed:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.peerErr != nil {
			return nil, m.peerErr
		}
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return nil
}

func (m *mockConn) Close(code uint16, reason string) error {
	m.mu.Lock()
	m.closeCalls++
	if m.closeCode == 0 {
		m.closeCode = code
	}
	m.mu.Unlock()
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return "mock"
}

// push delivers a frame from the peer.
func (m *mockConn) push(frame string) {
	m.incoming <- []byte(frame)
}

// drop simulates the peer closing the connection with code.
func (m *mockConn) drop(code uint16) {
	m.mu.Lock()
	m.peerErr = &transport.CloseError{Code: code}
	m.mu.Unlock()
	m.once.Do(func() { close(m.closed) })
}

func (m *mockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConn) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

func (m *mockConn) CloseCalls() (int, uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls, m.closeCode
}

// mockNetwork hands out mockConns and records dials.
type mockNetwork struct {
	conns chan *mockConn
	gate  chan struct{}

	mu       sync.Mutex
	dials    int
	failNext int
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{conns: make(chan *mockConn, 16)}
}

// gated makes every dial wait until open is called.
func (n *mockNetwork) gated() *mockNetwork {
	n.gate = make(chan struct{})
	return n
}

func (n *mockNetwork) open() {
	close(n.gate)
}

func (n *mockNetwork) failDials(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = count
}

func (n *mockNetwork) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

func (n *mockNetwork) dial(ctx context.Context, url string) (transport.Conn, error) {
	n.mu.Lock()
	n.dials++
	fail := n.failNext > 0
	if fail {
		n.failNext--
	}
	n.mu.Unlock()

	if n.gate != nil {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newMockConn()
	n.conns <- c
	return c, nil
}

// next waits for the next dialed connection.
func (n *mockNetwork) next(t *testing.T) *mockConn {
	t.Helper()
	select {
	case c := <-n.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// recorder is an EventHandler that records notifications in order and
// fails the test if two of them overlap.
type recorder struct {
	t        *testing.T
	inFlight atomic.Int32
	notes    chan string

	mu     sync.Mutex
	events []protocol.Envelope
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{t: t, notes: make(chan string, 64)}
}

func (r *recorder) enter() func() {
	if r.inFlight.Add(1) > 1 {
		r.t.Error("event handler called concurrently")
	}
	return func() { r.inFlight.Add(-1) }
}

func (r *recorder) OnReady() {
	defer r.enter()()
	r.notes <- "ready"
}

func (r *recorder) OnEvent(env protocol.Envelope) {
	defer r.enter()()
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
	r.notes <- "event:" + env.Type.String()
}

func (r *recorder) OnClosed() {
	defer r.enter()()
	r.notes <- "closed"
}

func (r *recorder) Events() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.events...)
}

// expect waits for the next notification and checks it.
func (r *recorder) expect(want string) {
	r.t.Helper()
	select {
	case got := <-r.notes:
		if got != want {
			r.t.Fatalf("notification = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		r.t.Fatalf("timeout waiting for %q", want)
	}
}

// expectNone checks that no notification arrives for a short while.
func (r *recorder) expectNone() {
	r.t.Helper()
	select {
	case got := <-r.notes:
		r.t.Fatalf("unexpected notification %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, m *connection.Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for manager to stop")
	}
}

// Compile-time check that mockConn implements transport.Conn
var _ transport.Conn = (*mockConn)(nil)
