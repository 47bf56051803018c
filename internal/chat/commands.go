package chat

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/store"
)

// Commands lists the inbound command types Handle understands. Ping is
// answered by the transport.
var Commands = []string{
	protocol.TypeSendMessage,
	protocol.TypeTypingStart,
	protocol.TypeTypingStop,
	protocol.TypeMarkAsRead,
	protocol.TypeEditMessage,
	protocol.TypeDeleteMessage,
	protocol.TypeGetOnlineUsers,
}

// Handle executes one validated command for connID. The transport calls it
// sequentially per connection, which is what keeps one sender's messages in
// order. Failures are reported to the acting connection only.
func (c *Controller) Handle(connID string, cmd protocol.Command) {
	cl := c.Client(connID)
	if cl == nil || cl.State() != Active {
		log.Printf("[chat] dropping %T for inactive conn=%s", cmd, connID)
		return
	}
	ctx, cancel := c.commandContext()
	defer cancel()

	switch m := cmd.(type) {
	case protocol.SendMessageMsg:
		c.sendMessage(ctx, cl, m)
	case protocol.EditMessageMsg:
		c.editMessage(ctx, cl, m)
	case protocol.DeleteMessageMsg:
		c.deleteMessage(ctx, cl, m)
	case protocol.MarkAsReadMsg:
		c.markAsRead(ctx, cl, m)
	case protocol.TypingStartMsg:
		c.typingStart(ctx, cl, m)
	case protocol.TypingStopMsg:
		c.typingStop(cl, m)
	case protocol.GetOnlineUsersMsg:
		_ = c.router.Reply(cl.handle, protocol.OnlineUsersMsg{UserIDs: c.presence.Online()})
	default:
		log.Printf("[chat] unhandled command %T from conn=%s", cmd, connID)
		c.fail(cl, protocol.CodeUnsupportedType, "unsupported message type")
	}
}

// commandContext bounds the store calls of one command so a hung database
// cannot hold a transport worker forever.
func (c *Controller) commandContext() (context.Context, context.CancelFunc) {
	if c.config.CommandTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), c.config.CommandTimeout)
}

func (c *Controller) sendMessage(ctx context.Context, cl *Client, m protocol.SendMessageMsg) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	if c.limiter != nil {
		// Allow fails open and already logs Redis errors.
		allowed, _ := c.limiter.Allow(ctx, strconv.FormatInt(cl.UserID, 10), c.config.MessageRule)
		if !allowed {
			metrics.RateLimited.Inc()
			c.fail(cl, protocol.CodeRateLimited, "too many messages, slow down")
			return
		}
	}

	ok, err := c.gate.CanDeliver(ctx, cl.UserID, m.RecipientID)
	if err != nil {
		log.Printf("[chat] send user=%d to=%d: %v", cl.UserID, m.RecipientID, err)
		c.fail(cl, protocol.CodePersistenceFailed, "message cannot be sent")
		return
	}
	if !ok {
		log.Printf("[chat] send user=%d to=%d: blocked", cl.UserID, m.RecipientID)
		c.fail(cl, protocol.CodePolicyDenied, "message cannot be sent")
		return
	}

	done := timed("create_message")
	msg, err := c.store.CreateMessage(ctx, cl.UserID, m.RecipientID, m.Content)
	done()
	if err != nil {
		log.Printf("[chat] send user=%d to=%d: %v", cl.UserID, m.RecipientID, err)
		c.fail(cl, protocol.CodePersistenceFailed, "failed to send message")
		return
	}

	muted, err := c.gate.Muted(ctx, m.RecipientID, cl.UserID)
	if err != nil {
		log.Printf("[chat] send user=%d to=%d: mute lookup: %v", cl.UserID, m.RecipientID, err)
	}

	// Sending ends the typing burst towards this recipient.
	if cl.typing.Stop(m.RecipientID) {
		c.router.Route(m.RecipientID, protocol.UserStoppedTypingMsg{UserID: cl.UserID})
	}

	payload := messagePayload(msg, cl.Username)
	c.router.Route(m.RecipientID, protocol.ReceiveMessageMsg{MessagePayload: payload, Muted: muted})
	_ = c.router.Reply(cl.handle, protocol.MessageSentMsg{MessagePayload: payload})
}

func (c *Controller) editMessage(ctx context.Context, cl *Client, m protocol.EditMessageMsg) {
	done := timed("update_message")
	msg, err := c.store.UpdateMessage(ctx, m.MessageID, cl.UserID, m.NewContent)
	done()
	if err != nil {
		c.failStore(cl, "edit", m.MessageID, err)
		return
	}

	ev := protocol.MessageEditedMsg{MessageID: msg.ID, Content: msg.Content, IsEdited: msg.IsEdited}
	c.router.Route(c.counterpart(cl, msg, m.RecipientID), ev)
	_ = c.router.Reply(cl.handle, ev)
}

func (c *Controller) deleteMessage(ctx context.Context, cl *Client, m protocol.DeleteMessageMsg) {
	done := timed("delete_message")
	msg, err := c.store.DeleteMessage(ctx, m.MessageID, cl.UserID)
	done()
	if err != nil {
		c.failStore(cl, "delete", m.MessageID, err)
		return
	}

	ev := protocol.MessageDeletedMsg{MessageID: msg.ID}
	c.router.Route(c.counterpart(cl, msg, m.RecipientID), ev)
	_ = c.router.Reply(cl.handle, ev)
}

func (c *Controller) markAsRead(ctx context.Context, cl *Client, m protocol.MarkAsReadMsg) {
	done := timed("mark_read")
	err := c.store.MarkRead(ctx, m.SenderID, cl.UserID)
	done()
	if err != nil {
		log.Printf("[chat] mark read user=%d from=%d: %v", cl.UserID, m.SenderID, err)
		c.fail(cl, protocol.CodePersistenceFailed, "failed to mark messages as read")
		return
	}
	c.router.Route(m.SenderID, protocol.MessagesReadMsg{ReadBy: cl.UserID})
}

// typingStart forwards user_typing only when a new typing burst begins; later
// keystrokes just push the idle deadline back.
func (c *Controller) typingStart(ctx context.Context, cl *Client, m protocol.TypingStartMsg) {
	to := m.RecipientID
	fresh := cl.typing.Touch(to, func() {
		c.router.Route(to, protocol.UserStoppedTypingMsg{UserID: cl.UserID})
	})
	if !fresh {
		return
	}

	ok, err := c.gate.CanDeliver(ctx, cl.UserID, to)
	if err != nil || !ok {
		if err != nil {
			log.Printf("[chat] typing user=%d to=%d: %v", cl.UserID, to, err)
		}
		cl.typing.Stop(to)
		return
	}
	c.router.Route(to, protocol.UserTypingMsg{UserID: cl.UserID, Username: cl.Username})
}

func (c *Controller) typingStop(cl *Client, m protocol.TypingStopMsg) {
	if cl.typing.Stop(m.RecipientID) {
		c.router.Route(m.RecipientID, protocol.UserStoppedTypingMsg{UserID: cl.UserID})
	}
}

// counterpart returns the stored recipient of msg. The client-supplied id is
// only cross-checked.
func (c *Controller) counterpart(cl *Client, msg *store.Message, claimed int64) int64 {
	if claimed != msg.RecipientID {
		log.Printf("[chat] user=%d message=%d: claimed recipient %d, stored %d",
			cl.UserID, msg.ID, claimed, msg.RecipientID)
	}
	return msg.RecipientID
}

func (c *Controller) failStore(cl *Client, op string, messageID int64, err error) {
	if errors.Is(err, store.ErrMessageNotFound) {
		c.fail(cl, protocol.CodeNotFound, "message not found")
		return
	}
	log.Printf("[chat] %s message=%d user=%d: %v", op, messageID, cl.UserID, err)
	c.fail(cl, protocol.CodePersistenceFailed, "failed to "+op+" message")
}

func (c *Controller) fail(cl *Client, code, message string) {
	_ = c.router.Reply(cl.handle, protocol.ErrorMsg{Code: code, Message: message})
}

func messagePayload(msg *store.Message, senderUsername string) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: senderUsername,
		RecipientID:    msg.RecipientID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		IsRead:         msg.IsRead,
		IsEdited:       msg.IsEdited,
	}
}

// timed starts a persistence latency measurement for op.
func timed(op string) func() {
	start := time.Now()
	return func() { metrics.ObservePersist(op, start) }
}
