package fakepeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
)

// Server accepts WebSocket connections and hands their frames to a Hub.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server backed by hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
}

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
		}
	}()

	s.logger.Info("fake peer listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// URL returns the WebSocket URL clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/"
}

// Hub returns the hub the server feeds.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() {
	if s.server != nil {
		_ = s.server.Shutdown(context.Background())
	}
	s.DropAll()
	s.wg.Wait()
}

// DropAll cuts every open connection without a close frame, the way a
// network failure would.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.abort()
	}
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	c := newConn(conn, rw)
	member := NewMember(c)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.hub.Register(member)

	s.wg.Add(2)
	go s.readLoop(member)
	go s.writeLoop(member)
}

func (s *Server) readLoop(m *Member) {
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(m)
		s.mu.Lock()
		delete(s.conns, m.Conn)
		s.mu.Unlock()
		_ = m.Conn.Close(ws.StatusNormalClosure, "")
	}()

	for {
		data, err := m.Conn.Read()
		if err != nil {
			s.logger.Debug("member disconnected", "member", m.PermID, "error", err)
			return
		}
		s.hub.Handle(m, data)
	}
}

func (s *Server) writeLoop(m *Member) {
	defer s.wg.Done()
	for data := range m.Outgoing {
		if err := m.Conn.Write(data); err != nil {
			s.logger.Debug("failed to write to member", "member", m.PermID, "error", err)
			return
		}
	}
}
