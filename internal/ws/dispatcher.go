package ws

import (
	"errors"
	"log"

	"github.com/duochat/chat-server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed, validated
// client command.
type MessageHandler func(conn *Connection, cmd protocol.Command)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping itself and sends structured
// error responses for malformed, invalid or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. Parse failures answer
// parse_error, unknown types unsupported_type and failed field validation
// invalid_message; none of them closes the connection.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, cmd, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if err := cmd.Validate(); err != nil {
		d.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}

	// Built-in ping handler; respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.reply(conn, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, cmd)
}

// sendError sends a structured error message back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.reply(conn, protocol.ErrorMsg{Code: code, Message: message})
}

// reply writes ev to conn. Errors are logged but not propagated.
func (d *MessageDispatcher) reply(conn *Connection, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", ev.Type(), conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", ev.Type(), conn.ID, err)
	}
}
