package protocol

import (
	"encoding/json"
	"time"
)

// Placeholder identity values. The peer requires these fields on create and
// join requests but assigns the real identity itself.
const (
	PlaceholderPermID       = "0000000000000000"
	PlaceholderVideoID      = "0"
	PlaceholderVideoService = "netflix"
)

// NotReadyMessage is the errorMessage handed to a callback whose frame was
// not sent because the connection was not open.
const NotReadyMessage = "not ready"

// UserSettings describes how a member appears in the room.
type UserSettings struct {
	UserIcon     string `json:"userIcon,omitempty"`
	UserNickname string `json:"userNickname"`
}

// CreateSessionData is the payload of a createSession request.
type CreateSessionData struct {
	ControlLock   bool         `json:"controlLock"`
	VideoID       string       `json:"videoId"`
	VideoDuration int          `json:"videoDuration"`
	VideoService  string       `json:"videoService"`
	PermID        string       `json:"permId"`
	UserSettings  UserSettings `json:"userSettings"`
}

// JoinSessionData is the payload of a joinSession request.
type JoinSessionData struct {
	VideoID      string       `json:"videoId"`
	SessionID    string       `json:"sessionId"`
	VideoService string       `json:"videoService"`
	PermID       string       `json:"permId"`
	UserSettings UserSettings `json:"userSettings"`
}

// MessageBody is the payload of an outgoing sendMessage frame.
type MessageBody struct {
	Body string `json:"body"`
}

// TypingPresence is the payload of an outgoing setTypingPresence frame.
type TypingPresence struct {
	Typing bool `json:"typing"`
}

// TypingUpdate is the payload of a setTypingPresence event from the peer.
type TypingUpdate struct {
	AnyoneTyping bool     `json:"anyoneTyping"`
	UsersTyping  []string `json:"usersTyping"`
}

// ChatMessage is a message as stored and delivered by the peer.
type ChatMessage struct {
	PermID          string `json:"permId"`
	UserNickname    string `json:"userNickname,omitempty"`
	UserIcon        string `json:"userIcon,omitempty"`
	Body            string `json:"body"`
	Timestamp       int64  `json:"timestamp"`
	IsSystemMessage bool   `json:"isSystemMessage"`
}

// Time converts the peer's millisecond timestamp.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SessionJoinResult is the room history returned once per successful join,
// in the order the peer sent it.
type SessionJoinResult struct {
	Messages []ChatMessage `json:"messages"`
}

// SessionResponse is the union of the response fields returned for
// createSession and joinSession.
type SessionResponse struct {
	ErrorMessage string        `json:"errorMessage,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Messages     []ChatMessage `json:"messages,omitempty"`
}

// ErrorPayload builds a response payload carrying only an errorMessage.
func ErrorPayload(message string) json.RawMessage {
	data, err := json.Marshal(SessionResponse{ErrorMessage: message})
	if err != nil {
		return json.RawMessage(`{"errorMessage":"internal error"}`)
	}
	return data
}
