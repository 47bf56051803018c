// Package client provides a WebSocket load test client for the duochat
// server. It connects with gobwas/ws (the same library the server uses),
// authenticates through the token query parameter and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duochat/chat-server/internal/auth"
	"github.com/duochat/chat-server/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection. It dispatches
// incoming events to registered handlers by type.
type Client struct {
	UserID int64

	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// Tokens mints handshake tokens for simulated users.
type Tokens struct {
	verifier *auth.Verifier
	ttl      time.Duration
}

// NewTokens creates a token source signing with secret.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{verifier: auth.NewVerifier(secret), ttl: ttl}
}

// URL returns base with a freshly signed token for userID appended.
func (t *Tokens) URL(base string, userID int64) (string, error) {
	token, err := t.verifier.Issue(userID, t.ttl)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New connects userID to the server at wsURL, which must already carry the
// token. handlers maps event types to callbacks invoked from the read loop;
// they are fixed at connect time so no early event is missed.
func New(ctx context.Context, wsURL string, userID int64, handlers map[string]func(json.RawMessage)) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if handlers == nil {
		handlers = make(map[string]func(json.RawMessage))
	}
	c := &Client{
		UserID:   userID,
		conn:     conn,
		handlers: handlers,
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a command to the server. It is goroutine-safe.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes and dispatches them to
// the registered handlers.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
