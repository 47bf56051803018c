package messaging

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/protocol"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return f.err
}

func TestEventPublisher_PublishesForwards(t *testing.T) {
	fp := &fakePublisher{}
	p := NewEventPublisher(fp, "ws-test")

	p.Observe(delivery.Delivery{
		To:      7,
		Event:   protocol.MessagesReadMsg{ReadBy: 3},
		Outcome: delivery.Missed,
	})

	if len(fp.msgs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fp.msgs))
	}
	if fp.msgs[0].subject != "chat.events.messages_read" {
		t.Errorf("unexpected subject %q", fp.msgs[0].subject)
	}

	var ev RoutedEvent
	if err := json.Unmarshal(fp.msgs[0].data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != protocol.TypeMessagesRead || ev.To != 7 || ev.Outcome != "missed" || ev.Server != "ws-test" {
		t.Errorf("unexpected envelope: %+v", ev)
	}

	var inner struct {
		Type   string `json:"type"`
		ReadBy int64  `json:"readBy"`
	}
	if err := json.Unmarshal(ev.Event, &inner); err != nil {
		t.Fatalf("unmarshal inner: %v", err)
	}
	if inner.Type != protocol.TypeMessagesRead || inner.ReadBy != 3 {
		t.Errorf("unexpected inner event: %+v", inner)
	}
}

func TestEventPublisher_SkipsReplies(t *testing.T) {
	fp := &fakePublisher{}
	p := NewEventPublisher(fp, "ws-test")

	p.Observe(delivery.Delivery{Event: protocol.PongMsg{}, Outcome: delivery.Delivered, Reply: true})

	if len(fp.msgs) != 0 {
		t.Errorf("expected replies to be skipped, got %d publishes", len(fp.msgs))
	}
}

func TestEventPublisher_PublishErrorIsSwallowed(t *testing.T) {
	fp := &fakePublisher{err: errors.New("nats down")}
	p := NewEventPublisher(fp, "ws-test")

	// Must not panic.
	p.Observe(delivery.Delivery{To: 1, Event: protocol.UserOnlineMsg{UserID: 2}, Outcome: delivery.Delivered})
	if len(fp.msgs) != 1 {
		t.Errorf("expected publish attempt, got %d", len(fp.msgs))
	}
}

// TestNATSClient_RoundTrip requires a NATS server on localhost:4222 and skips
// otherwise.
func TestNATSClient_RoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	online := make(chan RoutedEvent, 1)
	all := make(chan RoutedEvent, 4)
	unsubOnline, err := client.SubscribeEvents(protocol.TypeUserOnline, func(ev RoutedEvent) { online <- ev })
	if err != nil {
		t.Fatalf("SubscribeEvents() error: %v", err)
	}
	unsubAll, err := client.SubscribeEvents("", func(ev RoutedEvent) { all <- ev })
	if err != nil {
		t.Fatalf("SubscribeEvents(all) error: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	NewEventPublisher(client, "ws-test").Observe(delivery.Delivery{
		To: 1, Event: protocol.UserOnlineMsg{UserID: 2}, Outcome: delivery.Delivered,
	})

	for name, ch := range map[string]chan RoutedEvent{"typed": online, "wildcard": all} {
		select {
		case ev := <-ch:
			if ev.To != 1 || ev.Server != "ws-test" {
				t.Errorf("%s: unexpected event %+v", name, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: timed out waiting for published event", name)
		}
	}

	if err := unsubOnline(); err != nil {
		t.Errorf("unsubscribe typed: %v", err)
	}
	if err := unsubAll(); err != nil {
		t.Errorf("unsubscribe wildcard: %v", err)
	}
}
