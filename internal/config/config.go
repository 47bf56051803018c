// Package config assembles the server configuration: built-in defaults, then
// optional YAML files, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/duochat/chat-server/internal/chat"
	"github.com/duochat/chat-server/internal/messaging"
	"github.com/duochat/chat-server/internal/store"
	"github.com/duochat/chat-server/internal/ws"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// SeedUser is an account loaded into the memory store at boot.
type SeedUser struct {
	ID       int64  `yaml:"id"`
	Username string `yaml:"username"`
}

// Config is the full server configuration.
type Config struct {
	Server struct {
		ListenAddr        string        `yaml:"listen_addr"`
		Name              string        `yaml:"name"`
		WorkerPoolSize    int           `yaml:"worker_pool_size"`
		MaxConnections    int           `yaml:"max_connections"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	} `yaml:"server"`

	Store struct {
		Kind          string `yaml:"kind"` // postgres, sqlite or memory
		DatabaseURL   string `yaml:"database_url"`
		SQLitePath    string `yaml:"sqlite_path"`
		MigrateOnBoot bool   `yaml:"migrate_on_boot"`

		// SeedUsers populates the memory store, which has no other source of
		// accounts.
		SeedUsers []SeedUser `yaml:"seed_users"`
	} `yaml:"store"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Chat struct {
		TypingIdleTimeout time.Duration `yaml:"typing_idle_timeout"`
		CommandTimeout    time.Duration `yaml:"command_timeout"`
	} `yaml:"chat"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the built-in configuration, taken from each package's own
// defaults.
func Default() Config {
	var c Config

	server := ws.DefaultServerConfig()
	c.Server.ListenAddr = server.ListenAddr
	c.Server.WorkerPoolSize = server.WorkerPoolSize
	c.Server.MaxConnections = server.MaxConnections
	c.Server.ReadTimeout = server.ReadTimeout
	c.Server.WriteTimeout = server.WriteTimeout
	c.Server.HeartbeatInterval = server.Heartbeat.Interval
	c.Server.HeartbeatTimeout = server.Heartbeat.Timeout

	c.Store.Kind = StorePostgres
	c.Store.DatabaseURL = store.DefaultPostgresConfig().URL
	c.Store.SQLitePath = "duochat.db"

	c.Redis.Addr = "localhost:6379"

	c.NATS.Enabled = true
	c.NATS.URL = messaging.DefaultNATSConfig().URL

	c.Chat.TypingIdleTimeout = chat.DefaultConfig().TypingIdle
	c.Chat.CommandTimeout = chat.DefaultConfig().CommandTimeout

	c.Metrics.Addr = ":9090"
	return c
}

// Load starts from Default and applies each comma-separated YAML file in
// order. An empty pathList yields the defaults.
func Load(pathList string) (Config, error) {
	c := Default()
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return c, fmt.Errorf("config: read %s: %w", p, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", p, err)
		}
	}
	return c, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
// Unparseable or non-positive numeric values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(getenv(key)); err == nil && n > 0 {
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if d, err := time.ParseDuration(getenv(key)); err == nil && d > 0 {
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if b, err := strconv.ParseBool(getenv(key)); err == nil {
			*dst = b
		}
	}

	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("SERVER_NAME", &c.Server.Name)
	num("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	num("MAX_CONNECTIONS", &c.Server.MaxConnections)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	dur("HEARTBEAT_INTERVAL", &c.Server.HeartbeatInterval)
	dur("HEARTBEAT_TIMEOUT", &c.Server.HeartbeatTimeout)

	str("STORE", &c.Store.Kind)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	flag("MIGRATE_ON_BOOT", &c.Store.MigrateOnBoot)
	if v := getenv("MEMORY_USERS"); v != "" {
		c.Store.SeedUsers = ParseSeedUsers(v)
	}

	str("REDIS_ADDR", &c.Redis.Addr)

	flag("NATS_ENABLED", &c.NATS.Enabled)
	str("NATS_URL", &c.NATS.URL)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	dur("TYPING_IDLE_TIMEOUT", &c.Chat.TypingIdleTimeout)
	dur("COMMAND_TIMEOUT", &c.Chat.CommandTimeout)
	str("METRICS_ADDR", &c.Metrics.Addr)
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: JWT secret must be set")
	}
	switch c.Store.Kind {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store %q (want postgres, sqlite or memory)", c.Store.Kind)
	}
	if c.Store.Kind == StoreMemory && len(c.Store.SeedUsers) == 0 {
		return errors.New("config: memory store needs seed users (MEMORY_USERS or store.seed_users)")
	}
	if c.Server.WorkerPoolSize <= 0 || c.Server.MaxConnections <= 0 {
		return errors.New("config: worker pool size and max connections must be positive")
	}
	return nil
}

// ServerConfig converts the server section for the ws package.
func (c *Config) ServerConfig() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.Server.ListenAddr,
		WorkerPoolSize: c.Server.WorkerPoolSize,
		MaxConnections: c.Server.MaxConnections,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.Server.HeartbeatInterval,
			Timeout:  c.Server.HeartbeatTimeout,
		},
	}
}

// ChatConfig converts the chat section for the controller.
func (c *Config) ChatConfig() chat.Config {
	config := chat.DefaultConfig()
	config.TypingIdle = c.Chat.TypingIdleTimeout
	config.CommandTimeout = c.Chat.CommandTimeout
	return config
}

// ParseSeedUsers reads "id:username" pairs separated by commas, e.g.
// "1:alice,2:bob". Malformed pairs are skipped.
func ParseSeedUsers(list string) []SeedUser {
	var out []SeedUser
	for _, pair := range strings.Split(list, ",") {
		idText, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		out = append(out, SeedUser{ID: id, Username: name})
	}
	return out
}

// NATSConfig converts the nats section, naming the client after the server.
func (c *Config) NATSConfig() messaging.NATSConfig {
	config := messaging.DefaultNATSConfig()
	config.URL = c.NATS.URL
	if c.Server.Name != "" {
		config.Name = "duochat-" + c.Server.Name
	}
	return config
}
