package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for per-connection session hashes.
	SessionPrefix = "session:"

	// UserPrefix is the Redis key prefix mapping a user id to its current
	// connection id.
	UserPrefix = "user_session:"

	// SessionTTL is the time-to-live for session keys in Redis. Heartbeats
	// refresh it.
	SessionTTL = 1 * time.Hour
)

// Session represents one connection's record stored in Redis.
type Session struct {
	ID         string `redis:"id"`          // connection id (UUID)
	UserID     int64  `redis:"user_id"`     // authenticated user
	Username   string `redis:"username"`    // display name at connect time
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// releaseScript deletes the user pointer only if it still names the given
// connection, so a superseded connection closing late does not erase its
// successor's pointer.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores the record for connID and points the user at it. Both keys get
// SessionTTL.
func (s *Store) Create(ctx context.Context, connID string, userID int64, username string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"username":    username,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Set(ctx, userKey(userID), connID, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// ForUser returns the current session of userID, or nil if the user has no
// live connection on any server.
func (s *Store) ForUser(ctx context.Context, userID int64) (*Session, error) {
	connID, err := s.client.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup user %d: %w", userID, err)
	}
	return s.Get(ctx, connID)
}

// RefreshTTL extends the session's TTL and records activity.
func (s *Store) RefreshTTL(ctx context.Context, connID string, userID int64) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, userKey(userID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the record for connID and, if the user still points at it,
// the user pointer.
func (s *Store) Delete(ctx context.Context, connID string, userID int64) error {
	if err := releaseScript.Run(ctx, s.client, []string{userKey(userID)}, connID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("session: release user %d: %w", userID, err)
	}
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

func userKey(userID int64) string {
	return UserPrefix + strconv.FormatInt(userID, 10)
}
