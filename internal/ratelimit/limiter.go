// Package ratelimit provides Redis-backed fixed window rate limiting.
// Counters live in Redis so every server instance shares the same budget for
// a user or an address.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one budget: at most Limit hits per Window for keys under Key.
type Rule struct {
	Key    string // Redis key prefix, e.g. "rl:msg:"
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 30 send_message commands per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket handshakes per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// hitScript counts a hit and returns {count, pttl}. The expiry is set on the
// first hit of a window and repaired if a key somehow lost its TTL.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if n == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one hit.
type Decision struct {
	Allowed    bool
	Remaining  int           // hits left in the current window
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Hit records one request by identifier against rule. On Redis errors it
// fails open: the returned Decision allows the request and the error is
// returned alongside it.
func (l *Limiter) Hit(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	res, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		log.Printf("[ratelimit] key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true, Remaining: rule.Limit}, fmt.Errorf("ratelimit: hit %s: %w", key, err)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond

	if count > rule.Limit {
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Limit - count}, nil
}

// Allow is Hit reduced to the allowed flag.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	d, err := l.Hit(ctx, identifier, rule)
	return d.Allowed, err
}

// Remaining returns how many hits identifier has left in the current window
// without consuming one.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: remaining %s: %w", rule.Key+identifier, err)
	}
	return max(rule.Limit-count, 0), nil
}
