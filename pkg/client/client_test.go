package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/omochice/partychat/pkg/client"
	"github.com/omochice/partychat/pkg/protocol"
)

type notifications struct {
	ready  chan struct{}
	events chan protocol.Envelope
	closed chan struct{}
}

func newNotifications() *notifications {
	return &notifications{
		ready:  make(chan struct{}, 4),
		events: make(chan protocol.Envelope, 16),
		closed: make(chan struct{}, 4),
	}
}

func (n *notifications) handler() client.HandlerFuncs {
	return client.HandlerFuncs{
		Ready:  func() { n.ready <- struct{}{} },
		Event:  func(env protocol.Envelope) { n.events <- env },
		Closed: func() { n.closed <- struct{}{} },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newOpenClient returns a client whose connection is open over conn.
func newOpenClient(t *testing.T, opts ...client.Option) (*client.Client, *fakeConn, *notifications) {
	t.Helper()
	conn := newFakeConn()
	n := newNotifications()
	opts = append([]client.Option{
		client.WithDialer(singleDialer(conn)),
		client.WithLogger(quietLogger()),
		client.WithKeepAlive(0),
		client.WithReconnectPolicy(client.ReconnectPolicy{}),
	}, opts...)
	c := client.New(n.handler(), opts...)
	t.Cleanup(c.Teardown)
	wait(t, n.ready, "ready")
	return c, conn, n
}

type result[T any] struct {
	value T
	err   error
}

func TestClient_CreateRoom(t *testing.T) {
	c, conn, _ := newOpenClient(t)

	done := make(chan result[string], 1)
	go func() {
		id, err := c.CreateRoom(context.Background(), "alice")
		done <- result[string]{id, err}
	}()

	req := conn.nextWrite(t)
	if req.Type != protocol.MessageTypeCreateSession {
		t.Fatalf("request type = %v, want createSession", req.Type)
	}
	if !req.HasCallback() {
		t.Fatalf("request has no callback id: %q", req.CallbackID)
	}
	var data protocol.CreateSessionData
	if err := req.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	want := protocol.CreateSessionData{
		VideoID:      protocol.PlaceholderVideoID,
		VideoService: protocol.PlaceholderVideoService,
		PermID:       protocol.PlaceholderPermID,
		UserSettings: protocol.UserSettings{UserNickname: "alice"},
	}
	if data != want {
		t.Errorf("request data = %+v, want %+v", data, want)
	}
	if string(req.Data) != `{"controlLock":false,"videoId":"0","videoDuration":0,"videoService":"netflix","permId":"0000000000000000","userSettings":{"userNickname":"alice"}}` {
		t.Errorf("request payload = %s", req.Data)
	}

	conn.respond(t, req, `{"sessionId":"R1"}`)

	got := wait(t, done, "CreateRoom")
	if got.err != nil {
		t.Fatalf("CreateRoom() error = %v", got.err)
	}
	if got.value != "R1" {
		t.Errorf("CreateRoom() = %q, want R1", got.value)
	}
}

func TestClient_CreateRoom_Icon(t *testing.T) {
	c, conn, _ := newOpenClient(t, client.WithIdentity("abcdef0123456789"))

	go func() { _, _ = c.CreateRoom(context.Background(), "alice", "cat.png") }()

	req := conn.nextWrite(t)
	var data protocol.CreateSessionData
	if err := req.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if data.UserSettings.UserIcon != "cat.png" {
		t.Errorf("userIcon = %q, want cat.png", data.UserSettings.UserIcon)
	}
	if data.PermID != "abcdef0123456789" {
		t.Errorf("permId = %q, want the configured identity", data.PermID)
	}
	conn.respond(t, req, `{"sessionId":"R2"}`)
}

func TestClient_CreateRoom_MissingSessionID(t *testing.T) {
	c, conn, _ := newOpenClient(t)

	done := make(chan result[string], 1)
	go func() {
		id, err := c.CreateRoom(context.Background(), "alice")
		done <- result[string]{id, err}
	}()

	conn.respond(t, conn.nextWrite(t), `{}`)

	if got := wait(t, done, "CreateRoom"); got.err == nil {
		t.Errorf("CreateRoom() = %q, want error", got.value)
	}
}

func TestClient_JoinRoom(t *testing.T) {
	c, conn, n := newOpenClient(t)

	done := make(chan result[*protocol.SessionJoinResult], 1)
	go func() {
		res, err := c.JoinRoom(context.Background(), "bob", "R1")
		done <- result[*protocol.SessionJoinResult]{res, err}
	}()

	req := conn.nextWrite(t)
	var data protocol.JoinSessionData
	if err := req.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if data.SessionID != "R1" || data.UserSettings.UserNickname != "bob" {
		t.Errorf("request data = %+v", data)
	}
	if data.VideoID != protocol.PlaceholderVideoID || data.VideoService != protocol.PlaceholderVideoService {
		t.Errorf("placeholder fields missing: %+v", data)
	}

	conn.respond(t, req, `{"messages":[{"permId":"x","userNickname":"alice","body":"hi","timestamp":1,"isSystemMessage":false}]}`)

	got := wait(t, done, "JoinRoom")
	if got.err != nil {
		t.Fatalf("JoinRoom() error = %v", got.err)
	}
	want := protocol.ChatMessage{PermID: "x", UserNickname: "alice", Body: "hi", Timestamp: 1}
	if len(got.value.Messages) != 1 || got.value.Messages[0] != want {
		t.Errorf("JoinRoom() messages = %+v, want [%+v]", got.value.Messages, want)
	}

	select {
	case env := <-n.events:
		t.Errorf("response leaked to the event handler: %+v", env)
	default:
	}
}

func TestClient_JoinRoom_EmptyHistory(t *testing.T) {
	c, conn, _ := newOpenClient(t)

	done := make(chan result[*protocol.SessionJoinResult], 1)
	go func() {
		res, err := c.JoinRoom(context.Background(), "bob", "R1")
		done <- result[*protocol.SessionJoinResult]{res, err}
	}()
	conn.respond(t, conn.nextWrite(t), `{}`)

	got := wait(t, done, "JoinRoom")
	if got.err != nil {
		t.Fatalf("JoinRoom() error = %v", got.err)
	}
	if got.value.Messages == nil || len(got.value.Messages) != 0 {
		t.Errorf("JoinRoom() messages = %#v, want empty slice", got.value.Messages)
	}
}

func TestClient_JoinRoom_RemoteError(t *testing.T) {
	c, conn, _ := newOpenClient(t)

	done := make(chan result[*protocol.SessionJoinResult], 1)
	go func() {
		res, err := c.JoinRoom(context.Background(), "bob", "missing")
		done <- result[*protocol.SessionJoinResult]{res, err}
	}()
	conn.respond(t, conn.nextWrite(t), `{"errorMessage":"room not found"}`)

	got := wait(t, done, "JoinRoom")
	var remote *client.RemoteError
	if !errors.As(got.err, &remote) {
		t.Fatalf("JoinRoom() error = %v, want *RemoteError", got.err)
	}
	if remote.Message != "room not found" {
		t.Errorf("RemoteError.Message = %q, want %q", remote.Message, "room not found")
	}
	if remote.Kind != protocol.MessageTypeJoinSession {
		t.Errorf("RemoteError.Kind = %v, want joinSession", remote.Kind)
	}
	if got.value != nil {
		t.Errorf("JoinRoom() result = %+v, want nil", got.value)
	}
}

func TestClient_NotReady(t *testing.T) {
	n := newNotifications()
	gate := make(chan struct{})
	conn := newFakeConn()
	c := client.New(n.handler(),
		client.WithLogger(quietLogger()),
		client.WithKeepAlive(0),
		client.WithReconnectPolicy(client.ReconnectPolicy{}),
		client.WithDialer(func(ctx context.Context, url string) (client.Conn, error) {
			select {
			case <-gate:
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	)
	defer c.Teardown()
	defer close(gate)

	if got := c.State(); got != client.StateConnecting {
		t.Errorf("State() = %v, want CONNECTING", got)
	}

	_, err := c.CreateRoom(context.Background(), "alice")
	if !errors.Is(err, client.ErrNotReady) {
		t.Errorf("CreateRoom() error = %v, want ErrNotReady", err)
	}

	var payload json.RawMessage
	c.Send(protocol.MessageTypeSendMessage, protocol.MessageBody{Body: "x"}, func(p json.RawMessage) {
		payload = p
	})
	if string(payload) != `{"errorMessage":"not ready"}` {
		t.Errorf("Send() callback payload = %s", payload)
	}

	c.SendMessage("dropped")
	c.SetTyping(true)

	select {
	case data := <-conn.writes:
		t.Errorf("frame written while not ready: %s", data)
	default:
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	c, conn, _ := newOpenClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CreateRoom(ctx, "alice")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CreateRoom() error = %v, want DeadlineExceeded", err)
	}
	conn.nextWrite(t)
}

func TestClient_SendAndEvents(t *testing.T) {
	c, conn, n := newOpenClient(t)

	c.SendMessage("hello")
	c.SetTyping(true)

	msg := conn.nextWrite(t)
	if msg.Type != protocol.MessageTypeSendMessage || string(msg.Data) != `{"body":"hello"}` || msg.CallbackID != protocol.NoCallback {
		t.Errorf("SendMessage wrote %+v", msg)
	}
	typing := conn.nextWrite(t)
	if typing.Type != protocol.MessageTypeSetTypingPresence || string(typing.Data) != `{"typing":true}` {
		t.Errorf("SetTyping wrote %+v", typing)
	}

	replies := make(chan json.RawMessage, 1)
	c.Send(protocol.MessageTypeSetTypingPresence, protocol.TypingPresence{}, func(p json.RawMessage) {
		replies <- p
	})
	req := conn.nextWrite(t)

	conn.incoming <- []byte(`{"type":"sendMessage","data":{"permId":"x","body":"hi","timestamp":1,"isSystemMessage":false}}`)
	conn.respond(t, req, `{"ok":true}`)

	env := wait(t, n.events, "event")
	if env.Type != protocol.MessageTypeSendMessage {
		t.Errorf("event type = %v, want sendMessage", env.Type)
	}
	var chat protocol.ChatMessage
	if err := env.DecodeData(&chat); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if chat.Body != "hi" {
		t.Errorf("event body = %q, want hi", chat.Body)
	}

	if got := wait(t, replies, "reply"); string(got) != `{"ok":true}` {
		t.Errorf("Send() callback payload = %s", got)
	}
}

func TestClient_Teardown(t *testing.T) {
	c, conn, n := newOpenClient(t)

	c.Teardown()
	c.Teardown()

	wait(t, n.closed, "closed")
	wait(t, c.Done(), "done")

	calls, code := conn.CloseCalls()
	if calls != 1 {
		t.Errorf("transport closed %d times, want 1", calls)
	}
	if code != client.ManualCloseCode {
		t.Errorf("close code = %d, want %d", code, client.ManualCloseCode)
	}
	if got := c.CloseCode(); got != client.ManualCloseCode {
		t.Errorf("CloseCode() = %d, want %d", got, client.ManualCloseCode)
	}
	if got := c.State(); got != client.StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}

	select {
	case <-n.closed:
		t.Error("closed notified twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, conn, _ := newOpenClient(t, client.WithMetricsRegisterer(reg))

	c.SendMessage("hello")
	conn.nextWrite(t)

	count, err := testutil.GatherAndCount(reg, "partychat_connection_frames_sent_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("frames_sent_total series = %d, want 1", count)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := client.DefaultConfig()
	cfg.Endpoint = "ws://127.0.0.1:1/"
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 0

	n := newNotifications()
	c := client.New(n.handler(), append(client.FromConfig(cfg), client.WithLogger(quietLogger()))...)
	defer c.Teardown()

	wait(t, n.closed, "closed")
	wait(t, c.Done(), "done")
	select {
	case <-n.ready:
		t.Error("ready notified for an unreachable endpoint")
	default:
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partychat.yaml")
	data := "endpoint: ws://127.0.0.1:1/\nreconnect:\n  max_attempts: 0\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := client.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Endpoint != "ws://127.0.0.1:1/" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 0", cfg.Reconnect.MaxAttempts)
	}
	if cfg.KeepAlive != client.DefaultConfig().KeepAlive {
		t.Errorf("KeepAlive = %v, want the default", cfg.KeepAlive)
	}

	if _, err := client.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() error = nil for a missing file")
	}
}

func TestDefaultReconnectPolicy(t *testing.T) {
	p := client.DefaultReconnectPolicy()
	if p.MaxAttempts <= 0 {
		t.Errorf("MaxAttempts = %d, want reconnection enabled", p.MaxAttempts)
	}
	if p.Delay(0) != p.Interval {
		t.Errorf("Delay(0) = %v, want %v", p.Delay(0), p.Interval)
	}
}
