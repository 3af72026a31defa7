// Package connection owns the socket to the peer: its lifecycle, keep-alive,
// reconnection, and the routing of incoming frames to pending callbacks or
// to the caller's event handler.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/partychat/internal/callback"
	"github.com/omochice/partychat/internal/transport"
	"github.com/omochice/partychat/pkg/protocol"
)

const (
	// DefaultKeepAlive is the interval between keep-alive pings.
	DefaultKeepAlive = 15 * time.Second

	writeTimeout      = 10 * time.Second
	eventBuffer       = 64
	manualCloseReason = "client teardown"
)

// EventHandler receives connection lifecycle notifications and unsolicited
// frames. Calls are made from a single goroutine, in the order the
// underlying events occurred. OnClosed is called once and nothing follows it.
//
// Responses are resolved on the read goroutine, not on the handler's, so a
// handler may issue a request and wait for its response.
type EventHandler interface {
	OnReady()
	OnEvent(env protocol.Envelope)
	OnClosed()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReconnectPolicy replaces DefaultReconnectPolicy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithKeepAlive sets the ping interval. Zero disables keep-alive.
func WithKeepAlive(d time.Duration) Option {
	return func(m *Manager) {
		m.keepAlive = d
	}
}

// WithMetrics records into mt instead of a private set of collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithRegistry uses r to hold pending callbacks.
func WithRegistry(r *callback.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventFrame
	eventClose
)

type event struct {
	kind eventKind
	link *link
	env  protocol.Envelope
	err  error
}

// link is one transport connection and the goroutines serving it.
type link struct {
	conn transport.Conn
	stop chan struct{}
}

// Manager maintains the connection to the peer.
type Manager struct {
	url       string
	dial      transport.Dialer
	handler   EventHandler
	registry  *callback.Registry
	policy    ReconnectPolicy
	keepAlive time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	ctx        context.Context
	cancel     context.CancelFunc
	events     chan event
	done       chan struct{}
	finishOnce sync.Once

	mu       sync.Mutex
	state    State
	link     *link
	tornDown bool
	lastCode uint16

	// Only touched by the dispatch goroutine.
	closedNotified bool
}

// New creates a Manager and starts dialing url right away.
func New(url string, dial transport.Dialer, handler EventHandler, opts ...Option) *Manager {
	m := &Manager{
		url:       url,
		dial:      dial,
		handler:   handler,
		registry:  callback.New(),
		policy:    DefaultReconnectPolicy(),
		keepAlive: DefaultKeepAlive,
		logger:    slog.Default(),
		state:     StateConnecting,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.metrics.setState(StateConnecting)

	go m.dispatch()
	go m.open()

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastCloseCode returns the close code of the most recent close, or zero if
// the connection never closed. ManualCloseCode means the close came from
// Teardown.
func (m *Manager) LastCloseCode() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

// Pending returns the number of requests waiting for a response.
func (m *Manager) Pending() int {
	return m.registry.Len()
}

// Done is closed once the manager has stopped for good: after Teardown, or
// after reconnection was abandoned or disabled.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send writes a frame of type mt carrying data. When h is not nil it is
// registered to receive the peer's correlated response. h runs on the
// connection's read goroutine and must not block.
//
// If the connection is not open nothing is written and h, if given, is
// called before Send returns with an errorMessage payload.
func (m *Manager) Send(mt protocol.MessageType, data any, h callback.Handler) {
	m.mu.Lock()
	state, l := m.state, m.link
	m.mu.Unlock()

	if state != StateOpen || l == nil {
		m.metrics.sendFailed("not_ready")
		m.logger.Debug("connection not open, dropping frame", "type", mt, "state", state)
		if h != nil {
			h(protocol.ErrorPayload(protocol.NotReadyMessage))
		}
		return
	}

	env, err := protocol.NewEnvelope(mt, data, "")
	if err != nil {
		m.failEncode(mt, err, h)
		return
	}
	if h != nil {
		env.CallbackID = m.registry.Register(h)
		m.metrics.pendingCallbacks.Set(float64(m.registry.Len()))
	}
	frame, err := env.Encode()
	if err != nil {
		if h != nil {
			m.registry.Forget(env.CallbackID)
			m.metrics.pendingCallbacks.Set(float64(m.registry.Len()))
		}
		m.failEncode(mt, err, h)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, frame); err != nil {
		m.metrics.sendFailed("write")
		m.logger.Warn("failed to write frame, closing connection", "type", mt, "error", err)
		m.forceClose(l)
		return
	}
	m.metrics.frameSent(mt)
}

func (m *Manager) failEncode(mt protocol.MessageType, err error, h callback.Handler) {
	m.metrics.sendFailed("encode")
	m.logger.Warn("failed to encode frame", "type", mt, "error", err)
	if h != nil {
		h(protocol.ErrorPayload(err.Error()))
	}
}

// Teardown closes the connection with transport.ManualCloseCode, stops
// keep-alive and reconnection, and drops every pending callback. It is safe
// to call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	l := m.link
	if m.state != StateClosed {
		m.state = StateClosing
		m.metrics.setState(StateClosing)
	}
	m.mu.Unlock()

	m.cancel()
	dropped := m.registry.Clear()
	m.metrics.pendingCallbacks.Set(0)
	m.logger.Info("tearing down connection", "url", m.url, "dropped_callbacks", dropped)

	if l != nil {
		if err := l.conn.Close(transport.ManualCloseCode, manualCloseReason); err != nil {
			m.logger.Debug("close after teardown", "error", err)
		}
	}
}

func (m *Manager) open() {
	conn, err := m.dial(m.ctx, m.url)
	if err != nil {
		m.logger.Warn("failed to open connection", "url", m.url, "error", err)
		m.post(event{kind: eventClose, err: err})
		return
	}
	if err := m.attach(conn); err != nil {
		m.post(event{kind: eventClose, err: err})
	}
}

// attach makes conn the live connection and starts serving it.
func (m *Manager) attach(conn transport.Conn) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		_ = conn.Close(transport.ManualCloseCode, manualCloseReason)
		return errTornDown
	}
	l := &link{conn: conn, stop: make(chan struct{})}
	m.link = l
	m.mu.Unlock()

	m.post(event{kind: eventOpen, link: l})
	go m.readLoop(l)
	if m.keepAlive > 0 {
		go m.keepAliveLoop(l)
	}
	return nil
}

func (m *Manager) readLoop(l *link) {
	for {
		data, err := l.conn.Read(context.Background())
		if err != nil {
			m.post(event{kind: eventClose, link: l, err: err})
			return
		}
		m.route(l, data)
	}
}

// route resolves a response in place and queues anything else for the
// handler.
func (m *Manager) route(l *link, data []byte) {
	m.mu.Lock()
	tornDown := m.tornDown
	m.mu.Unlock()
	if tornDown {
		return
	}

	var env protocol.Envelope
	if err := env.Decode(data); err != nil {
		m.metrics.frameReceived("malformed")
		m.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	if env.HasCallback() {
		if m.registry.Resolve(env.CallbackID, env.Data) {
			m.metrics.frameReceived("response")
		} else {
			m.metrics.frameReceived("stray")
			m.logger.Debug("no pending callback for response", "type", env.Type, "callback_id", env.CallbackID)
		}
		m.metrics.pendingCallbacks.Set(float64(m.registry.Len()))
		return
	}

	m.metrics.frameReceived("event")
	m.post(event{kind: eventFrame, link: l, env: env})
}

func (m *Manager) keepAliveLoop(l *link) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.keepAlive)
			err := l.conn.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Warn("keep-alive failed, closing connection", "error", err)
				m.forceClose(l)
				return
			}
		case <-l.stop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// forceClose closes a failed transport. The read loop then reports the
// close like any other.
func (m *Manager) forceClose(l *link) {
	if err := l.conn.Close(transport.NormalCloseCode, ""); err != nil {
		m.logger.Debug("force close", "error", err)
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) finish() {
	m.finishOnce.Do(func() {
		close(m.done)
	})
}

func (m *Manager) dispatch() {
	for {
		select {
		case ev := <-m.events:
			switch ev.kind {
			case eventOpen:
				m.handleOpen(ev.link)
			case eventFrame:
				m.handleFrame(ev.env)
			case eventClose:
				m.handleClose(ev)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handleOpen(l *link) {
	m.mu.Lock()
	if m.tornDown || m.link != l {
		m.mu.Unlock()
		return
	}
	m.state = StateOpen
	m.mu.Unlock()
	m.metrics.setState(StateOpen)

	if m.closedNotified {
		m.logger.Info("reconnected", "remote", l.conn.RemoteAddr())
		return
	}
	m.logger.Info("connection open", "remote", l.conn.RemoteAddr())
	m.handler.OnReady()
}

func (m *Manager) handleFrame(env protocol.Envelope) {
	m.mu.Lock()
	tornDown := m.tornDown
	m.mu.Unlock()
	if tornDown {
		return
	}

	if m.closedNotified {
		m.logger.Debug("dropping event after close notification", "type", env.Type)
		return
	}
	m.handler.OnEvent(env)
}

func (m *Manager) handleClose(ev event) {
	m.mu.Lock()
	if ev.link != nil && m.link != ev.link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.state = StateClosed
	manual := m.tornDown
	m.lastCode = closeCode(ev.err, manual)
	code := m.lastCode
	m.mu.Unlock()

	if ev.link != nil {
		close(ev.link.stop)
		if !manual {
			// The peer or a failed write ended the link; release the socket.
			if err := ev.link.conn.Close(transport.NormalCloseCode, ""); err != nil {
				m.logger.Debug("release closed transport", "error", err)
			}
		}
	}
	m.metrics.setState(StateClosed)
	m.logger.Info("connection closed", "url", m.url, "code", code, "manual", manual, "error", ev.err)

	if !m.closedNotified {
		m.closedNotified = true
		m.handler.OnClosed()
	}

	if manual {
		m.finish()
		return
	}
	if m.policy.MaxAttempts <= 0 {
		m.finish()
		return
	}
	go m.reconnect()
}

func closeCode(err error, manual bool) uint16 {
	if manual {
		return transport.ManualCloseCode
	}
	var closed *transport.CloseError
	if errors.As(err, &closed) {
		return closed.Code
	}
	return transport.AbnormalCloseCode
}
