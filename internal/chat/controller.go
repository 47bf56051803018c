// Package chat drives the lifecycle of authenticated connections and turns
// inbound commands into persisted changes and routed events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/policy"
	"github.com/duochat/chat-server/internal/presence"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/ratelimit"
	"github.com/duochat/chat-server/internal/registry"
	"github.com/duochat/chat-server/internal/store"
	"github.com/duochat/chat-server/internal/typing"
)

// ErrUnauthenticated is returned by Authenticate when the handshake must be
// refused.
var ErrUnauthenticated = errors.New("chat: unauthenticated")

// Store is the persistence the controller needs.
type Store interface {
	policy.Relations
	presence.StatusWriter
	FindUserByID(ctx context.Context, id int64) (*store.User, error)
	CreateMessage(ctx context.Context, senderID, recipientID int64, content string) (*store.Message, error)
	UpdateMessage(ctx context.Context, messageID, senderID int64, content string) (*store.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID int64) (*store.Message, error)
	MarkRead(ctx context.Context, senderID, recipientID int64) error
}

// TokenVerifier resolves a handshake token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Limiter throttles commands per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config holds controller tuning.
type Config struct {
	TypingIdle     time.Duration  // idle window before a typing indicator clears
	MessageRule    ratelimit.Rule // per-user send_message budget
	CommandTimeout time.Duration  // bound on the store calls of one command
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingIdle:     typing.DefaultIdleTimeout,
		MessageRule:    ratelimit.RuleMessage,
		CommandTimeout: 5 * time.Second,
	}
}

// presenceStripes is the number of locks presence transitions are spread
// over.
const presenceStripes = 64

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   int64
	Username string
}

// Controller owns every live client of this server instance.
type Controller struct {
	config   Config
	sessions *registry.Registry
	gate     *policy.Gate
	router   *delivery.Router
	presence *presence.Broadcaster
	store    Store
	verifier TokenVerifier
	limiter  Limiter

	mu       sync.RWMutex
	clients  map[string]*Client // connection id -> client
	draining atomic.Bool

	// Register+announce and release+announce of one user run under the same
	// stripe, so the last announcement always matches the registry.
	presenceMu [presenceStripes]sync.Mutex
}

// NewController wires the registry, policy gate, router and presence
// broadcaster around st. Observers receive every routed event.
func NewController(config Config, sessions *registry.Registry, st Store, verifier TokenVerifier, observers ...delivery.Observer) *Controller {
	gate := policy.NewGate(st)
	gate.OnDenied(func(sender, recipient int64) {
		metrics.PolicyDenied.Inc()
	})
	router := delivery.NewRouter(sessions, observers...)

	return &Controller{
		config:   config,
		sessions: sessions,
		gate:     gate,
		router:   router,
		presence: presence.NewBroadcaster(sessions, router, st),
		store:    st,
		verifier: verifier,
		clients:  make(map[string]*Client),
	}
}

// SetLimiter enables per-user rate limiting of send_message.
func (c *Controller) SetLimiter(l Limiter) {
	c.limiter = l
}

// Authenticate verifies the handshake token and loads its user. Any failure
// leaves the handshake in the Rejected state.
func (c *Controller) Authenticate(ctx context.Context, token string) (Identity, error) {
	userID, err := c.verifier.Verify(token)
	if err != nil {
		log.Printf("[chat] handshake %s: %v", Rejected, err)
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	user, err := c.store.FindUserByID(ctx, userID)
	if err != nil {
		log.Printf("[chat] handshake %s user=%d: %v", Rejected, userID, err)
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}

// Open registers a freshly upgraded connection and announces the user online.
// A previous connection of the same user is superseded: it stays open but no
// longer receives routed events.
func (c *Controller) Open(ctx context.Context, connID string, id Identity, h registry.Handle) error {
	cl := newClient(connID, id, h, c.config.TypingIdle)

	c.mu.Lock()
	if _, dup := c.clients[connID]; dup {
		c.mu.Unlock()
		cl.setState(Rejected)
		return fmt.Errorf("chat: open %s: duplicate connection id", connID)
	}
	c.clients[connID] = cl
	c.mu.Unlock()

	unlock := c.lockPresence(id.UserID)
	defer unlock()

	if prev, ok := c.sessions.Lookup(id.UserID); ok && prev != h {
		log.Printf("[chat] user=%d superseded by conn=%s", id.UserID, connID)
	}
	c.sessions.Register(id.UserID, h)
	cl.setState(Active)
	metrics.OnlineUsers.Set(float64(c.sessions.Count()))

	n := c.presence.Announce(ctx, id.UserID, id.Username, true)
	log.Printf("[chat] open conn=%s user=%d (%s) announced to %d", connID, id.UserID, id.Username, n)
	return nil
}

// Close tears down connID. Recipients with a pending typing countdown get
// user_stopped_typing, then the registry entry is released and the user is
// announced offline. If a newer connection superseded this one, the registry
// and presence are left alone.
func (c *Controller) Close(ctx context.Context, connID string) {
	c.mu.Lock()
	cl, ok := c.clients[connID]
	delete(c.clients, connID)
	c.mu.Unlock()
	if !ok {
		return
	}
	cl.setState(Closed)

	for _, to := range cl.typing.StopAll() {
		c.router.Route(to, protocol.UserStoppedTypingMsg{UserID: cl.UserID})
	}

	unlock := c.lockPresence(cl.UserID)
	defer unlock()

	released := c.sessions.Release(cl.UserID, cl.handle)
	metrics.OnlineUsers.Set(float64(c.sessions.Count()))

	switch {
	case !released:
		log.Printf("[chat] close conn=%s user=%d: superseded, presence unchanged", connID, cl.UserID)
	case c.draining.Load():
		if err := c.store.SetOnlineStatus(ctx, cl.UserID, false); err != nil {
			log.Printf("[chat] close conn=%s user=%d: persist offline: %v", connID, cl.UserID, err)
		}
	default:
		c.presence.Announce(ctx, cl.UserID, cl.Username, false)
	}
}

func (c *Controller) lockPresence(userID int64) (unlock func()) {
	mu := &c.presenceMu[uint64(userID)%presenceStripes]
	mu.Lock()
	return mu.Unlock
}

// Drain stops presence broadcasts for subsequent closes. It is called before
// the transport closes every connection at shutdown, so each user is still
// persisted offline without fanning out to peers that are going away too.
func (c *Controller) Drain() {
	c.draining.Store(true)
}

// Client returns the live client for connID, or nil.
func (c *Controller) Client(connID string) *Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients[connID]
}

// Count returns the number of live clients.
func (c *Controller) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
