package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/protocol"
)

// Publisher is the subset of NATSClient the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RoutedEvent is the payload published on chat.events.<type> for every event
// forwarded to a recipient, whether or not the recipient was connected.
type RoutedEvent struct {
	Type    string          `json:"type"`
	To      int64           `json:"to"`
	Outcome string          `json:"outcome"`
	Server  string          `json:"server"`
	Ts      int64           `json:"ts"` // unix millis
	Event   json.RawMessage `json:"event"`
}

// EventPublisher is a delivery.Observer that mirrors forwarded events onto
// NATS. Replies to the acting connection are not published.
type EventPublisher struct {
	pub    Publisher
	server string
}

// NewEventPublisher creates an EventPublisher tagging events with server.
func NewEventPublisher(pub Publisher, server string) *EventPublisher {
	return &EventPublisher{pub: pub, server: server}
}

// Observe implements delivery.Observer. Publish failures are logged and never
// affect delivery.
func (p *EventPublisher) Observe(d delivery.Delivery) {
	if d.Reply {
		return
	}

	raw, err := protocol.Encode(d.Event)
	if err != nil {
		log.Printf("[nats] encode %s: %v", d.Event.Type(), err)
		return
	}
	data, err := json.Marshal(RoutedEvent{
		Type:    d.Event.Type(),
		To:      d.To,
		Outcome: d.Outcome.String(),
		Server:  p.server,
		Ts:      time.Now().UnixMilli(),
		Event:   raw,
	})
	if err != nil {
		log.Printf("[nats] marshal routed %s: %v", d.Event.Type(), err)
		return
	}

	if err := p.pub.Publish(EventSubject(d.Event.Type()), data); err != nil {
		log.Printf("[nats] publish %s to user=%d: %v", d.Event.Type(), d.To, err)
	}
}

// EventSubject returns the subject events of the given type are published on.
func EventSubject(eventType string) string {
	return SubjectEvents + "." + eventType
}
