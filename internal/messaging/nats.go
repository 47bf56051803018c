// Package messaging provides a NATS client wrapper and publishes the chat
// server's routed events as a stream other services can consume (audit,
// offline notification, analytics).
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Event subjects. Each routed event goes to SubjectEvents.<event type>.
const (
	SubjectEvents    = "chat.events"
	SubjectAllEvents = SubjectEvents + ".>"
)

// NATSClient owns the NATS connection used for the event stream.
type NATSClient struct {
	conn         *nats.Conn
	flushTimeout time.Duration
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name shown in server monitoring
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 retries forever
	FlushTimeout  time.Duration // bound on Flush round-trips
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duochat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  2 * time.Second,
	}
}

// NewNATSClient connects with config. Only the initial connect can fail;
// later outages are absorbed by the client's reconnect loop and published
// events are buffered meanwhile.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] subscription %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)

	flush := config.FlushTimeout
	if flush <= 0 {
		flush = DefaultNATSConfig().FlushTimeout
	}
	return &NATSClient{conn: nc, flushTimeout: flush}, nil
}

// Publish sends data on subject. It implements Publisher.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.FlushTimeout(c.flushTimeout)
}

// SubscribeEvents delivers decoded routed events of eventType to fn. An empty
// eventType follows every event. Malformed payloads are logged and skipped.
// The returned function unsubscribes.
func (c *NATSClient) SubscribeEvents(eventType string, fn func(RoutedEvent)) (func() error, error) {
	subject := SubjectAllEvents
	if eventType != "" {
		subject = EventSubject(eventType)
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev RoutedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad event on %s: %v", msg.Subject, err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains subscriptions and pending publishes, then closes the
// connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
		c.conn.Close()
	}
	log.Printf("[nats] client closed")
}
