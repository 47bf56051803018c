// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedType is returned by ParseClientMessage for a well-formed
// envelope whose type is not an inbound command.
var ErrUnsupportedType = errors.New("protocol: unsupported message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage    = "send_message"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeMarkAsRead     = "mark_as_read"
	TypeEditMessage    = "edit_message"
	TypeDeleteMessage  = "delete_message"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeReceiveMessage    = "receive_message"
	TypeMessageSent       = "message_sent"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeMessagesRead      = "messages_read"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeOnlineUsers       = "online_users"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeAuthFailed        = "auth_failed"
	CodeParseError        = "parse_error"
	CodeUnsupportedType   = "unsupported_type"
	CodeInvalidMessage    = "invalid_message"
	CodePolicyDenied      = "policy_denied"
	CodePersistenceFailed = "persistence_failed"
	CodeNotFound          = "not_found"
	CodeRateLimited       = "rate_limited"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// Command is one of the closed set of inbound client messages.
type Command interface {
	// Validate checks field constraints after decoding.
	Validate() error
}

// SendMessageMsg sends a new chat message to another user.
type SendMessageMsg struct {
	RecipientID int64  `json:"recipientId"`
	Content     string `json:"content"`
}

// TypingStartMsg signals keystroke activity towards a recipient.
type TypingStartMsg struct {
	RecipientID int64 `json:"recipientId"`
}

// TypingStopMsg signals that the client stopped typing.
type TypingStopMsg struct {
	RecipientID int64 `json:"recipientId"`
}

// MarkAsReadMsg marks every message received from SenderID as read.
type MarkAsReadMsg struct {
	SenderID int64 `json:"senderId"`
}

// EditMessageMsg replaces the content of one of the client's own messages.
type EditMessageMsg struct {
	MessageID   int64  `json:"messageId"`
	NewContent  string `json:"newContent"`
	RecipientID int64  `json:"recipientId"`
}

// DeleteMessageMsg removes one of the client's own messages.
type DeleteMessageMsg struct {
	MessageID   int64 `json:"messageId"`
	RecipientID int64 `json:"recipientId"`
}

// GetOnlineUsersMsg asks for the ids of every connected user.
type GetOnlineUsersMsg struct{}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Event is one of the closed set of outbound server messages.
type Event interface {
	Type() string
}

// MessagePayload is the full view of a chat message sent to both parties.
type MessagePayload struct {
	ID             int64     `json:"id"`
	SenderID       int64     `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	RecipientID    int64     `json:"recipientId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
	IsEdited       bool      `json:"isEdited"`
}

// ReceiveMessageMsg delivers a new message to its recipient. Muted is set when
// the recipient muted the sender so the client can suppress its notification.
type ReceiveMessageMsg struct {
	MessagePayload
	Muted bool `json:"muted,omitempty"`
}

// MessageSentMsg acknowledges a stored message to its sender.
type MessageSentMsg struct {
	MessagePayload
}

// UserOnlineMsg announces that a user connected.
type UserOnlineMsg struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserOfflineMsg announces that a user disconnected.
type UserOfflineMsg struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserTypingMsg relays typing activity to the recipient.
type UserTypingMsg struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserStoppedTypingMsg clears a typing indicator.
type UserStoppedTypingMsg struct {
	UserID int64 `json:"userId"`
}

// MessagesReadMsg tells a sender that ReadBy read their messages.
type MessagesReadMsg struct {
	ReadBy int64 `json:"readBy"`
}

// MessageEditedMsg carries the new content of an edited message.
type MessageEditedMsg struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
	IsEdited  bool   `json:"isEdited"`
}

// MessageDeletedMsg announces a deleted message.
type MessageDeletedMsg struct {
	MessageID int64 `json:"messageId"`
}

// OnlineUsersMsg answers get_online_users.
type OnlineUsersMsg struct {
	UserIDs []int64 `json:"userIds"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

func (ReceiveMessageMsg) Type() string    { return TypeReceiveMessage }
func (MessageSentMsg) Type() string       { return TypeMessageSent }
func (UserOnlineMsg) Type() string        { return TypeUserOnline }
func (UserOfflineMsg) Type() string       { return TypeUserOffline }
func (UserTypingMsg) Type() string        { return TypeUserTyping }
func (UserStoppedTypingMsg) Type() string { return TypeUserStoppedTyping }
func (MessagesReadMsg) Type() string      { return TypeMessagesRead }
func (MessageEditedMsg) Type() string     { return TypeMessageEdited }
func (MessageDeletedMsg) Type() string    { return TypeMessageDeleted }
func (OnlineUsersMsg) Type() string       { return TypeOnlineUsers }
func (ErrorMsg) Type() string             { return TypeError }
func (PongMsg) Type() string              { return TypePong }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client command.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types. Field validation is left to Command.Validate.
func ParseClientMessage(data []byte) (string, Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		cmd Command
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeMarkAsRead:
		var m MarkAsReadMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		cmd = m
	case TypeGetOnlineUsers:
		cmd = GetOnlineUsersMsg{}
	case TypePing:
		cmd = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, cmd, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// UseNumber keeps int64 ids exact through the map round trip.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Encode serializes an outbound event with its type discriminator.
func Encode(ev Event) ([]byte, error) {
	return NewServerMessage(ev.Type(), ev)
}
