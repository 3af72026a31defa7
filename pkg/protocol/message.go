// Package protocol defines the watch-party wire format: JSON text frames
// carrying a typed envelope with an opaque payload and an optional callback id.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageType represents the type of an envelope.
type MessageType string

const (
	MessageTypeCreateSession     MessageType = "createSession"
	MessageTypeJoinSession       MessageType = "joinSession"
	MessageTypeSendMessage       MessageType = "sendMessage"
	MessageTypeSetTypingPresence MessageType = "setTypingPresence"
)

// NoCallback is the callbackId sentinel for frames that expect no response.
const NoCallback = "null"

// ErrMalformedFrame is returned by Decode when a frame cannot be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// String returns the wire name of the MessageType.
func (mt MessageType) String() string {
	return string(mt)
}

// Valid reports whether mt belongs to the set of kinds the client sends.
// Incoming frames may carry other kinds; those are passed through untouched.
func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeCreateSession, MessageTypeJoinSession, MessageTypeSendMessage, MessageTypeSetTypingPresence:
		return true
	default:
		return false
	}
}

// Envelope is the unit exchanged with the peer in both directions.
type Envelope struct {
	Type       MessageType     `json:"type"`
	Data       json.RawMessage `json:"data"`
	CallbackID string          `json:"callbackId"`
}

// HasCallback reports whether the envelope carries a correlation id.
func (e *Envelope) HasCallback() bool {
	return e.CallbackID != "" && e.CallbackID != NoCallback
}

// Encode encodes the envelope into a single JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	out := Envelope{
		Type:       e.Type,
		Data:       e.Data,
		CallbackID: e.CallbackID,
	}
	if len(out.Data) == 0 {
		out.Data = json.RawMessage("null")
	}
	if out.CallbackID == "" {
		out.CallbackID = NoCallback
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON text frame into the envelope.
// The frame must be a JSON object. A missing or null payload decodes to a
// nil Data.
func (e *Envelope) Decode(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: frame is not a JSON object", ErrMalformedFrame)
	}
	var in Envelope
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if bytes.Equal(bytes.TrimSpace(in.Data), []byte("null")) {
		in.Data = nil
	}
	*e = in
	return nil
}

// NewEnvelope marshals data into the payload of a new envelope.
func NewEnvelope(mt MessageType, data any, callbackID string) (Envelope, error) {
	env := Envelope{Type: mt, CallbackID: callbackID}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to encode %s payload: %w", mt, err)
	}
	env.Data = raw
	return env, nil
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Fields exposes an object payload as a protobuf Struct, for callers that
// inspect peer-defined events without declaring a Go type for each of them.
func (e *Envelope) Fields() (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if len(e.Data) == 0 {
		return s, nil
	}
	if err := protojson.Unmarshal(e.Data, s); err != nil {
		return nil, fmt.Errorf("failed to read %s payload fields: %w", e.Type, err)
	}
	return s, nil
}
