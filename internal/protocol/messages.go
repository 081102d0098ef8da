// Package protocol defines the JSON frames exchanged over the realtime
// channel. Every frame carries a "type" discriminator; client frames may
// carry a "ref" that the server echoes in the matching ack or error.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> Server message types.
const (
	TypeAuth        = "connection.auth"
	TypeJoin        = "connection.join"
	TypeLeave       = "connection.leave"
	TypeSend        = "connection.send"
	TypeReadReceipt = "message.read"
	TypeDelivered   = "message.delivered"
	TypeTypingSet   = "typing.set"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeReady           = "connection.ready"
	TypeAck             = "ack"
	TypeError           = "error"
	TypeRateLimited     = "rate_limited"
	TypeMessageNew      = "message.new"
	TypeMessageRead     = "message.read"
	TypeTypingChanged   = "typing.changed"
	TypePresenceChanged = "presence.changed"
	TypeMatchCreated    = "match.created"
	TypeMatchEnded      = "match.ended"
	TypePong            = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// AuthMsg authenticates a connection that did not present a token on upgrade.
type AuthMsg struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Token string `json:"token"`
}

// JoinMsg subscribes the connection to a match room.
type JoinMsg struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	MatchID string `json:"matchId"`
}

// LeaveMsg unsubscribes the connection from a match room.
type LeaveMsg struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	MatchID string `json:"matchId"`
}

// SendMsg sends a chat message into a match.
type SendMsg struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	MatchID string `json:"matchId"`
	Body    string `json:"body"`
}

// ReadMsg marks messages read. No ids means the whole conversation.
type ReadMsg struct {
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	MatchID    string   `json:"matchId"`
	MessageIDs []uint64 `json:"messageIds,omitempty"`
}

// DeliveredMsg acknowledges receipt of messages.
type DeliveredMsg struct {
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	MatchID    string   `json:"matchId"`
	MessageIDs []uint64 `json:"messageIds"`
}

// TypingSetMsg starts or stops the typing indicator in a match.
type TypingSetMsg struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	MatchID  string `json:"matchId"`
	IsTyping bool   `json:"isTyping"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// Ref returns the correlation reference of a parsed client message.
func Ref(msg any) string {
	switch m := msg.(type) {
	case AuthMsg:
		return m.Ref
	case JoinMsg:
		return m.Ref
	case LeaveMsg:
		return m.Ref
	case SendMsg:
		return m.Ref
	case ReadMsg:
		return m.Ref
	case DeliveredMsg:
		return m.Ref
	case TypingSetMsg:
		return m.Ref
	case PingMsg:
		return m.Ref
	}
	return ""
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ReadyMsg is sent once the connection is authenticated.
type ReadyMsg struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// AckMsg confirms a client frame. The message fields are set for sends.
type AckMsg struct {
	Ref       string     `json:"ref,omitempty"`
	MessageID uint64     `json:"messageId,omitempty"`
	Seq       uint64     `json:"seq,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ErrorMsg reports a failed client frame.
type ErrorMsg struct {
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitedMsg tells the client to back off. RetryAfter is in seconds.
type RateLimitedMsg struct {
	Ref        string `json:"ref,omitempty"`
	RetryAfter int    `json:"retryAfter"`
}

// MessageNewMsg delivers a chat message to room members.
type MessageNewMsg struct {
	MatchID   string    `json:"matchId"`
	MessageID uint64    `json:"messageId"`
	Seq       uint64    `json:"seq"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageReadMsg is a read receipt.
type MessageReadMsg struct {
	MatchID    string    `json:"matchId"`
	ReaderID   string    `json:"readerId"`
	MessageIDs []uint64  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// TypingChangedMsg relays a typing indicator.
type TypingChangedMsg struct {
	MatchID  string `json:"matchId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceChangedMsg relays a peer going online or offline.
type PresenceChangedMsg struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// MatchCreatedMsg tells a user about a new match.
type MatchCreatedMsg struct {
	MatchID     string `json:"matchId"`
	OtherUserID string `json:"otherUserId"`
	Superlike   bool   `json:"superlike"`
}

// MatchEndedMsg tells room members the match was deactivated.
type MatchEndedMsg struct {
	MatchID string `json:"matchId"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Ref string `json:"ref,omitempty"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw websocket bytes into a typed client message.
// It returns the message type, the decoded struct and an error for unknown
// or server-only types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadReceipt:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelivered:
		var m DeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingSet:
		var m TypingSetMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a server frame with msgType injected
// under the "type" key. A nil payload produces a bare {"type": ...} frame.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	m := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
		}
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode.
func MustServerMessage(msgType string, payload any) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
