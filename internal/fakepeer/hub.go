package fakepeer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/omochice/partychat/pkg/protocol"
)

// ErrRoomNotFound is the errorMessage returned when joining an unknown room.
const ErrRoomNotFound = "room not found"

const outgoingBuffer = 32

// Member is a connected client.
type Member struct {
	Conn     *Conn
	PermID   string
	Outgoing chan []byte

	settings protocol.UserSettings
	room     *room
	typing   bool
}

// NewMember creates a member with a fresh permanent id.
func NewMember(conn *Conn) *Member {
	return &Member{
		Conn:     conn,
		PermID:   randomHex(8),
		Outgoing: make(chan []byte, outgoingBuffer),
	}
}

type room struct {
	id      string
	members map[*Member]bool
	history []protocol.ChatMessage
}

// Hub holds the members and rooms and applies incoming frames to them.
// Every server shares a single Hub.
type Hub struct {
	mu      sync.Mutex
	members map[*Member]bool
	rooms   map[string]*room
	seen    map[protocol.MessageType]int
	now     func() time.Time
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		members: make(map[*Member]bool),
		rooms:   make(map[string]*room),
		seen:    make(map[protocol.MessageType]int),
		now:     time.Now,
		logger:  logger,
	}
}

// Register adds a member to the hub.
func (h *Hub) Register(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[m] = true
}

// Unregister removes a member, leaves its room and closes its Outgoing
// channel.
func (h *Hub) Unregister(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.members[m] {
		return
	}
	h.leave(m)
	delete(h.members, m)
	close(m.Outgoing)
}

// MemberCount returns the number of connected members.
func (h *Hub) MemberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// RoomCount returns the number of rooms ever created.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// History returns a copy of a room's messages.
func (h *Hub) History(roomID string) ([]protocol.ChatMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	return append([]protocol.ChatMessage(nil), r.history...), true
}

// Seen returns how many frames of type mt have been received.
func (h *Hub) Seen(mt protocol.MessageType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[mt]
}

// Handle applies one frame received from m.
func (h *Hub) Handle(m *Member, frame []byte) {
	var env protocol.Envelope
	if err := env.Decode(frame); err != nil {
		h.logger.Debug("dropping malformed frame", "member", m.PermID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[env.Type]++

	switch env.Type {
	case protocol.MessageTypeCreateSession:
		h.createSession(m, env)
	case protocol.MessageTypeJoinSession:
		h.joinSession(m, env)
	case protocol.MessageTypeSendMessage:
		h.sendMessage(m, env)
	case protocol.MessageTypeSetTypingPresence:
		h.setTyping(m, env)
	default:
		h.reply(m, env, protocol.ErrorPayload("unknown message type"))
	}
}

func (h *Hub) createSession(m *Member, env protocol.Envelope) {
	var req protocol.CreateSessionData
	if err := env.DecodeData(&req); err != nil {
		h.reply(m, env, protocol.ErrorPayload("invalid request"))
		return
	}

	r := &room{id: randomHex(8), members: make(map[*Member]bool)}
	h.rooms[r.id] = r
	h.enter(m, r, req.UserSettings)
	h.logger.Info("room created", "room", r.id, "member", m.PermID)

	h.reply(m, env, mustMarshal(protocol.SessionResponse{SessionID: r.id}))
}

func (h *Hub) joinSession(m *Member, env protocol.Envelope) {
	var req protocol.JoinSessionData
	if err := env.DecodeData(&req); err != nil {
		h.reply(m, env, protocol.ErrorPayload("invalid request"))
		return
	}

	r, ok := h.rooms[req.SessionID]
	if !ok {
		h.reply(m, env, protocol.ErrorPayload(ErrRoomNotFound))
		return
	}

	history := append([]protocol.ChatMessage{}, r.history...)
	h.enter(m, r, req.UserSettings)
	h.logger.Info("room joined", "room", r.id, "member", m.PermID)

	h.reply(m, env, mustMarshal(protocol.SessionJoinResult{Messages: history}))
	h.post(r, m, protocol.ChatMessage{
		PermID:          m.PermID,
		Body:            "joined the party",
		IsSystemMessage: true,
	}, m)
}

func (h *Hub) sendMessage(m *Member, env protocol.Envelope) {
	var req protocol.MessageBody
	if err := env.DecodeData(&req); err != nil || m.room == nil {
		h.reply(m, env, protocol.ErrorPayload("cannot send message"))
		return
	}
	h.post(m.room, m, protocol.ChatMessage{Body: req.Body}, nil)
	h.reply(m, env, json.RawMessage(`{}`))
}

func (h *Hub) setTyping(m *Member, env protocol.Envelope) {
	var req protocol.TypingPresence
	if err := env.DecodeData(&req); err != nil || m.room == nil {
		h.reply(m, env, protocol.ErrorPayload("cannot set typing presence"))
		return
	}
	m.typing = req.Typing
	h.broadcastTyping(m.room)
	h.reply(m, env, json.RawMessage(`{}`))
}

func (h *Hub) enter(m *Member, r *room, settings protocol.UserSettings) {
	h.leave(m)
	m.settings = settings
	m.room = r
	r.members[m] = true
}

func (h *Hub) leave(m *Member) {
	r := m.room
	if r == nil {
		return
	}
	delete(r.members, m)
	m.room = nil
	if m.typing {
		m.typing = false
		h.broadcastTyping(r)
	}
	h.post(r, m, protocol.ChatMessage{
		PermID:          m.PermID,
		Body:            "left the party",
		IsSystemMessage: true,
	}, nil)
}

// post stamps msg as sent by from, stores it and broadcasts it to every
// member of r except skip.
func (h *Hub) post(r *room, from *Member, msg protocol.ChatMessage, skip *Member) {
	msg.PermID = from.PermID
	msg.UserNickname = from.settings.UserNickname
	msg.UserIcon = from.settings.UserIcon
	msg.Timestamp = h.now().UnixMilli()
	r.history = append(r.history, msg)
	h.broadcast(r, protocol.MessageTypeSendMessage, msg, skip)
}

func (h *Hub) broadcastTyping(r *room) {
	update := protocol.TypingUpdate{UsersTyping: []string{}}
	for m := range r.members {
		if m.typing {
			update.UsersTyping = append(update.UsersTyping, m.PermID)
		}
	}
	sort.Strings(update.UsersTyping)
	update.AnyoneTyping = len(update.UsersTyping) > 0
	h.broadcast(r, protocol.MessageTypeSetTypingPresence, update, nil)
}

func (h *Hub) broadcast(r *room, mt protocol.MessageType, data any, skip *Member) {
	env, err := protocol.NewEnvelope(mt, data, "")
	if err != nil {
		h.logger.Error("failed to build event", "type", mt, "error", err)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode event", "type", mt, "error", err)
		return
	}
	for m := range r.members {
		if m != skip {
			h.enqueue(m, frame)
		}
	}
}

// reply answers req when it carries a callback id.
func (h *Hub) reply(m *Member, req protocol.Envelope, payload json.RawMessage) {
	if !req.HasCallback() {
		return
	}
	env := protocol.Envelope{Type: req.Type, Data: payload, CallbackID: req.CallbackID}
	frame, err := env.Encode()
	if err != nil {
		h.logger.Error("failed to encode reply", "type", req.Type, "error", err)
		return
	}
	h.enqueue(m, frame)
}

func (h *Hub) enqueue(m *Member, frame []byte) {
	select {
	case m.Outgoing <- frame:
	default:
		h.logger.Warn("outgoing buffer full, dropping frame", "member", m.PermID)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
