package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duochat/chat-server/internal/auth"
	"github.com/duochat/chat-server/internal/chat"
	"github.com/duochat/chat-server/internal/config"
	"github.com/duochat/chat-server/internal/delivery"
	"github.com/duochat/chat-server/internal/messaging"
	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/ratelimit"
	"github.com/duochat/chat-server/internal/registry"
	"github.com/duochat/chat-server/internal/session"
	"github.com/duochat/chat-server/internal/store"
	"github.com/duochat/chat-server/internal/ws"
)

// backend is what the server needs from a store implementation on top of the
// controller's view.
type backend interface {
	chat.Store
	ResetOnlineStatus(ctx context.Context) (int64, error)
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "ws-1"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	serverConfig := cfg.ServerConfig()
	chatConfig := cfg.ChatConfig()
	serverName := cfg.Server.Name
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	// --- Store ---
	var (
		st      backend
		closeDB func() error
	)
	switch cfg.Store.Kind {
	case config.StoreMemory:
		mem := store.NewMemory()
		for _, u := range cfg.Store.SeedUsers {
			mem.AddUser(u.ID, u.Username)
		}
		log.Printf("memory store seeded with %d users", len(cfg.Store.SeedUsers))
		st = mem
		closeDB = func() error { return nil }
	case config.StoreSQLite:
		lite, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open SQLite at %s: %v", cfg.Store.SQLitePath, err)
		}
		st = lite
		closeDB = lite.Close
	case config.StorePostgres:
		pgConfig := store.DefaultPostgresConfig()
		pgConfig.URL = cfg.Store.DatabaseURL
		pg, err := store.OpenPostgres(pgConfig)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if cfg.Store.MigrateOnBoot {
			if err := store.Migrate(pg.DB(), store.DialectPostgres); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		st = pg
		closeDB = pg.Close
	}

	// The registry starts empty, so nobody is online yet.
	resetCtx, resetCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if n, err := st.ResetOnlineStatus(resetCtx); err != nil {
		log.Printf("failed to reset online status: %v", err)
	} else if n > 0 {
		log.Printf("reset %d stale online users", n)
	}
	resetCancel()

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.Redis.Addr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	observers := []delivery.Observer{metrics.DeliveryObserver{}}
	natsConfig := cfg.NATSConfig()

	var natsClient *messaging.NATSClient
	if cfg.NATS.Enabled {
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		observers = append(observers, messaging.NewEventPublisher(natsClient, serverName))
	}

	log.Printf("duochat WebSocket server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  typing_idle:     %s", chatConfig.TypingIdle)
	log.Printf("  store:           %s", cfg.Store.Kind)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_enabled:    %v (%s)", cfg.NATS.Enabled, natsConfig.URL)
	log.Printf("  metrics_addr:    %s", cfg.Metrics.Addr)
	log.Printf("  server_name:     %s", serverName)

	controller := chat.NewController(chatConfig, registry.New(), st, verifier, observers...)
	controller.SetLimiter(limiter)

	dispatcher := ws.NewMessageDispatcher()
	for _, msgType := range chat.Commands {
		dispatcher.Register(msgType, func(conn *ws.Connection, cmd protocol.Command) {
			controller.Handle(conn.ID, cmd)
		})
	}

	server, err := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	server.SetLimiter(limiter)

	server.SetAuthenticator(func(r *http.Request) (int64, string, error) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		id, err := controller.Authenticate(ctx, auth.ExtractToken(r))
		if err != nil {
			return 0, "", err
		}
		return id.UserID, id.Username, nil
	})

	server.SetOnConnect(func(c *ws.Connection) error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return controller.Open(ctx, c.ID, chat.Identity{UserID: c.UserID, Username: c.Username}, c)
	})

	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		controller.Close(ctx, connID)
	})

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		// Peers are going away too; persist offline without broadcasting.
		controller.Drain()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()

		if natsClient != nil {
			natsClient.Close()
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := closeDB(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
