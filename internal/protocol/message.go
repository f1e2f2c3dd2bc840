// Package protocol defines the JSON wire format spoken between clients and
// the server: a tagged envelope with a closed set of message kinds and a
// typed constructor per kind. The payload shapes here are the compatibility
// contract with every client; change them and old clients break.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client -> server message kinds.
const (
	TypeAuth         = "auth"
	TypeAction       = "action"
	TypeChat         = "chat"
	TypeQuickCommand = "quick_command"
	TypeJoinGame     = "join_game"
	TypeCreateGame   = "create_game"
	TypeLeaveGame    = "leave_game"
	TypeReady        = "ready"
	TypePause        = "pause"
)

// Server -> client message kinds.
const (
	TypeAuthSuccess  = "auth_success"
	TypeAuthFailure  = "auth_failure"
	TypeState        = "state"
	TypeDelta        = "delta"
	TypeChatMessage  = "chat_message"
	TypeSystem       = "system"
	TypeError        = "error"
	TypeGameStart    = "game_start"
	TypeGameEnd      = "game_end"
	TypePlayerJoined = "player_joined"
	TypePlayerLeft   = "player_left"
)

var clientTypes = map[string]bool{
	TypeAuth: true, TypeAction: true, TypeChat: true, TypeQuickCommand: true,
	TypeJoinGame: true, TypeCreateGame: true, TypeLeaveGame: true,
	TypeReady: true, TypePause: true,
}

var serverTypes = map[string]bool{
	TypeAuthSuccess: true, TypeAuthFailure: true, TypeState: true,
	TypeDelta: true, TypeChatMessage: true, TypeSystem: true, TypeError: true,
	TypeGameStart: true, TypeGameEnd: true, TypePlayerJoined: true,
	TypePlayerLeft: true,
}

var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message has no type")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the wire envelope. Data holds the kind-specific payload.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp float64        `json:"timestamp,omitempty"`
}

// KnownType reports whether t is part of the protocol, in either direction.
func KnownType(t string) bool { return clientTypes[t] || serverTypes[t] }

// ClientType reports whether t is a kind that clients are allowed to send.
func ClientType(t string) bool { return clientTypes[t] }

// Encode serializes m, stamping Timestamp if the caller left it zero.
func (m Message) Encode() ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	return json.Marshal(m)
}

// Decode parses raw into a Message. A syntactically valid message with an
// unrecognized type is returned alongside ErrUnknownType so the caller can
// answer with a protocol error naming the type instead of dropping the
// connection.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	if !KnownType(m.Type) {
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

// String returns the string payload field named key, or "" when absent or of
// the wrong type.
func (m Message) String(key string) string {
	v, _ := m.Data[key].(string)
	return v
}

// Int returns the integer payload field named key. JSON numbers arrive as
// float64; both encodings are accepted.
func (m Message) Int(key string) (int, bool) {
	switch v := m.Data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Bool returns the boolean payload field named key.
func (m Message) Bool(key string) bool {
	v, _ := m.Data[key].(bool)
	return v
}

// Map returns the nested-object payload field named key, or nil.
func (m Message) Map(key string) map[string]any {
	v, _ := m.Data[key].(map[string]any)
	return v
}
