// Package client is the public watch-party chat client. A Client holds one
// connection to the service, correlates create and join requests with their
// responses, and reports lifecycle changes and room traffic to an
// EventHandler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/omochice/partychat/internal/connection"
	"github.com/omochice/partychat/pkg/protocol"
)

// EventHandler receives notifications from a Client. Calls never overlap and
// arrive in the order the underlying events occurred. OnClosed is called
// once and nothing follows it.
type EventHandler = connection.EventHandler

// State is the connection lifecycle state.
type State = connection.State

// HandlerFuncs adapts plain functions to EventHandler. Nil fields are
// skipped.
type HandlerFuncs struct {
	Ready  func()
	Event  func(env protocol.Envelope)
	Closed func()
}

// OnReady implements EventHandler.
func (h HandlerFuncs) OnReady() {
	if h.Ready != nil {
		h.Ready()
	}
}

// OnEvent implements EventHandler.
func (h HandlerFuncs) OnEvent(env protocol.Envelope) {
	if h.Event != nil {
		h.Event(env)
	}
}

// OnClosed implements EventHandler.
func (h HandlerFuncs) OnClosed() {
	if h.Closed != nil {
		h.Closed()
	}
}

// Client is a connection to the watch-party service.
type Client struct {
	conn   *connection.Manager
	logger *slog.Logger
	permID string
}

// New creates a Client and starts connecting. handler.OnReady is called once
// the connection is open; requests made before that fail with ErrNotReady.
func New(handler EventHandler, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{
		conn:   connection.New(o.endpoint, o.dial, handler, o.connectionOptions()...),
		logger: o.logger,
		permID: o.permID,
	}
}

// CreateRoom asks the service for a new room and returns its id.
//
// ctx bounds the wait for the response only; a request already written is
// not withdrawn when ctx ends.
func (c *Client) CreateRoom(ctx context.Context, nickname string, icon ...string) (string, error) {
	req := protocol.CreateSessionData{
		ControlLock:   false,
		VideoID:       protocol.PlaceholderVideoID,
		VideoDuration: 0,
		VideoService:  protocol.PlaceholderVideoService,
		PermID:        c.permID,
		UserSettings:  userSettings(nickname, icon),
	}

	res, err := c.request(ctx, protocol.MessageTypeCreateSession, req)
	if err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("%s response has no sessionId", protocol.MessageTypeCreateSession)
	}
	c.logger.Info("room created", "room", res.SessionID)
	return res.SessionID, nil
}

// JoinRoom joins roomID and returns the messages already posted there, in
// the order the service sent them.
//
// ctx bounds the wait for the response only.
func (c *Client) JoinRoom(ctx context.Context, nickname, roomID string, icon ...string) (*protocol.SessionJoinResult, error) {
	req := protocol.JoinSessionData{
		VideoID:      protocol.PlaceholderVideoID,
		SessionID:    roomID,
		VideoService: protocol.PlaceholderVideoService,
		PermID:       c.permID,
		UserSettings: userSettings(nickname, icon),
	}

	res, err := c.request(ctx, protocol.MessageTypeJoinSession, req)
	if err != nil {
		return nil, err
	}
	messages := res.Messages
	if messages == nil {
		messages = []protocol.ChatMessage{}
	}
	c.logger.Info("room joined", "room", roomID, "history", len(messages))
	return &protocol.SessionJoinResult{Messages: messages}, nil
}

// Send writes a frame of type mt. When callback is not nil it receives the
// service's direct response to this frame; otherwise the frame is
// fire-and-forget. If the connection is not open, callback is called before
// Send returns with an errorMessage of protocol.NotReadyMessage.
func (c *Client) Send(mt protocol.MessageType, data any, callback func(payload json.RawMessage)) {
	c.conn.Send(mt, data, callback)
}

// SendMessage posts body to the joined room.
func (c *Client) SendMessage(body string) {
	c.conn.Send(protocol.MessageTypeSendMessage, protocol.MessageBody{Body: body}, nil)
}

// SetTyping updates this member's typing indicator.
func (c *Client) SetTyping(typing bool) {
	c.conn.Send(protocol.MessageTypeSetTypingPresence, protocol.TypingPresence{Typing: typing}, nil)
}

// Teardown closes the connection for good. Pending CreateRoom and JoinRoom
// calls only return once their ctx ends. It is safe to call more than once.
func (c *Client) Teardown() {
	c.conn.Teardown()
}

// Done is closed once the client has stopped: after Teardown, or after the
// connection closed and could not be re-established.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.conn.State()
}

// CloseCode returns the close code of the most recent close, or zero.
// ManualCloseCode means the close came from Teardown.
func (c *Client) CloseCode() uint16 {
	return c.conn.LastCloseCode()
}

func (c *Client) request(ctx context.Context, mt protocol.MessageType, data any) (*protocol.SessionResponse, error) {
	replies := make(chan json.RawMessage, 1)
	c.conn.Send(mt, data, func(payload json.RawMessage) {
		replies <- payload
	})

	select {
	case payload := <-replies:
		return decodeResponse(mt, payload)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", mt, ctx.Err())
	}
}

func decodeResponse(mt protocol.MessageType, payload json.RawMessage) (*protocol.SessionResponse, error) {
	var res protocol.SessionResponse
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", mt, err)
		}
	}
	if res.ErrorMessage != "" {
		if res.ErrorMessage == protocol.NotReadyMessage {
			return nil, fmt.Errorf("%s: %w", mt, ErrNotReady)
		}
		return nil, &RemoteError{Kind: mt, Message: res.ErrorMessage}
	}
	return &res, nil
}

func userSettings(nickname string, icon []string) protocol.UserSettings {
	s := protocol.UserSettings{UserNickname: nickname}
	if len(icon) > 0 {
		s.UserIcon = icon[0]
	}
	return s
}
