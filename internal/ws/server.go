// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, tracking live connections, reading frames through
// epoll and handing complete messages to the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the handshake request to a user. A non-nil error
// refuses the upgrade with 401.
type Authenticator func(r *http.Request) (userID int64, username string, err error)

// SessionRecorder keeps an external record of live connections.
type SessionRecorder interface {
	Create(ctx context.Context, connID string, userID int64, username string) error
	RefreshTTL(ctx context.Context, connID string, userID int64) error
	Delete(ctx context.Context, connID string, userID int64) error
}

// Limiter throttles handshakes per client address.
type Limiter interface {
	Hit(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades authenticated HTTP requests, registers the sockets with epoll and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore SessionRecorder                     // optional external session records
	limiter      Limiter                             // optional handshake rate limiter
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	authenticate Authenticator                       // required; upgrades are refused without it
	onConnect    func(conn *Connection) error        // called before the first frame is read
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session recorder
// and message callback, and its epoll instance. The onMessage function is
// called from a worker goroutine whenever a complete WebSocket text frame is
// received. Frames of one connection are never processed concurrently.
func NewServer(config ServerConfig, sessionStore SessionRecorder, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:       config,
		epoll:        epoll,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetAuthenticator registers the handshake authenticator.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// SetOnConnect registers a callback invoked for every upgraded connection
// before any of its frames are read. An error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetLimiter enables per-address handshake rate limiting.
func (s *Server) SetLimiter(l Limiter) {
	s.limiter = l
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve starts the event loop and the heartbeat monitor and blocks serving
// HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// zero-copy upgrader and registers the connection. The connection reaches
// epoll only after onConnect returns, so no frame is read before the
// application knows about it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		// Hit fails open and logs Redis errors itself.
		if d, _ := s.limiter.Hit(r.Context(), clientIP(r), ratelimit.RuleConnect); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if s.authenticate == nil {
		writeAuthError(w)
		return
	}
	userID, username, err := s.authenticate(r)
	if err != nil {
		log.Printf("ws: handshake rejected from %s: %v", clientIP(r), err)
		writeAuthError(w)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), userID, username, conn, s.config.WriteTimeout)

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, userID, username); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			log.Printf("ws: connect rejected conn=%s user=%d: %v", c.ID, userID, err)
			s.discard(c)
			return
		}
	}

	pollConn, err := s.epoll.Add(conn)
	if err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.ID, err)
		if s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
		s.discard(c)
		return
	}
	c.pollConn = pollConn
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection conn=%s user=%d (total=%d)", c.ID, userID, s.conns.Count())
}

// discard closes a connection that never made it into the manager.
func (s *Server) discard(c *Connection) {
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.sessionStore.Delete(ctx, c.ID, c.UserID)
		cancel()
	}
	_ = c.Close()
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(protocol.ErrorMsg{
		Code:    protocol.CodeAuthFailed,
		Message: "authentication required",
	})
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. A failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll. This is
	// also what keeps one connection's frames strictly sequential.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > protocol.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection manager
// and closes it. It is safe to call more than once; only the first call runs
// the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.pollConn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID, c.UserID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s user=%d (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, removes every live
// connection through the normal disconnect path and closes the epoll
// instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	_ = s.epoll.Close()

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
