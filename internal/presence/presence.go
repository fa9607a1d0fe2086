// Package presence tracks peer online/away/offline status using DragonflyDB
// (Redis-compatible). It manages heartbeat-based presence detection,
// doubles as a general short-TTL cache for session/search data, and backs
// the API server's global rate limiter. When no Redis-compatible endpoint
// is configured, Cache degrades to a process-local implementation of the
// same interface so a single node can still run standalone.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FirmaChain/firma-sign-sub001/internal/models"
)

// Presence status values. The peer directory only distinguishes three
// states; there is no idle/focus/busy/invisible tier here.
const (
	StatusOnline  = models.PresenceOnline
	StatusAway    = models.PresenceAway
	StatusOffline = models.PresenceOffline
)

// Key prefixes, namespacing the shared keyspace when Cache is backed by a
// single Redis/DragonflyDB database shared with other concerns.
const (
	PrefixSession   = "session:"
	PrefixPresence  = "presence:"
	PrefixRateLimit = "ratelimit:"
	PrefixCache     = "cache:"
)

// DefaultPresenceTTL is how long a heartbeat keeps a peer marked online
// before it is considered to have gone offline.
const DefaultPresenceTTL = 90 * time.Second

// SessionData is the JSON payload stored under PrefixSession for a gateway
// connection's resumable session state.
type SessionData struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitResult is returned by CheckRateLimitInfo describing the outcome
// of a fixed-window counter check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Count     int
}

// Cache wraps a Redis/DragonflyDB client (when configured) to provide
// presence tracking, short-TTL caching, and rate limiting. A nil *redis.Client
// falls back to an in-process implementation so single-node deployments work
// without an external cache.
type Cache struct {
	client *redis.Client

	mu       sync.Mutex
	local    map[string]localEntry
	counters map[string]*localCounter
}

type localEntry struct {
	value   string
	expires time.Time
}

type localCounter struct {
	count  int
	expiry time.Time
}

// New connects to a Redis-compatible endpoint at addr, given either as
// host:port or as a redis:// URL (whose own credentials and database then
// apply). If addr is empty, the returned Cache operates entirely in-process.
func New(addr, password string, db int) (*Cache, error) {
	c := &Cache{
		local:    make(map[string]localEntry),
		counters: make(map[string]*localCounter),
	}
	if addr == "" {
		return c, nil
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing presence cache URL: %w", err)
		}
		opts = parsed
	}
	c.client = redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to presence cache at %s: %w", addr, err)
	}
	return c, nil
}

// HealthCheck pings the backing store. Always healthy for the in-process
// fallback.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// SetPresence records peerID's status with a TTL; a missed heartbeat simply
// expires the key, which Get interprets as offline.
func (c *Cache) SetPresence(ctx context.Context, peerID, status string) error {
	return c.set(ctx, PrefixPresence+peerID, status, DefaultPresenceTTL)
}

// Get returns peerID's last known status and whether a live entry exists.
// Callers should treat ok=false as "no fresher data than the durable row".
func (c *Cache) Get(ctx context.Context, peerID string) (string, bool) {
	v, err := c.get(ctx, PrefixPresence+peerID)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// ClearPresence removes peerID's cached status immediately, used on an
// explicit disconnect rather than waiting for TTL expiry.
func (c *Cache) ClearPresence(ctx context.Context, peerID string) error {
	return c.del(ctx, PrefixPresence+peerID)
}

// SetSession stores a gateway session under PrefixSession with the given TTL.
func (c *Cache) SetSession(ctx context.Context, sessionID string, data SessionData, ttl time.Duration) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.set(ctx, PrefixSession+sessionID, string(b), ttl)
}

// GetSession retrieves a previously stored gateway session, if still live.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (SessionData, bool) {
	var sd SessionData
	v, err := c.get(ctx, PrefixSession+sessionID)
	if err != nil || v == "" {
		return sd, false
	}
	if err := json.Unmarshal([]byte(v), &sd); err != nil {
		return sd, false
	}
	return sd, true
}

// SetValue stores an arbitrary string under PrefixCache for ttl, e.g. a
// hydrated search result or a computed directory listing.
func (c *Cache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.set(ctx, PrefixCache+key, value, ttl)
}

// GetValue retrieves a value previously stored with SetValue.
func (c *Cache) GetValue(ctx context.Context, key string) (string, bool) {
	v, err := c.get(ctx, PrefixCache+key)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// CheckRateLimitInfo increments a fixed-window counter for key and reports
// whether the caller is still within limit over window. The window starts
// on the first increment and is reset once it elapses.
func (c *Cache) CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	fullKey := PrefixRateLimit + key
	var count int64
	var err error
	if c.client != nil {
		count, err = c.incrRedis(ctx, fullKey, window)
	} else {
		count = c.incrLocal(fullKey, window)
	}
	if err != nil {
		return RateLimitResult{}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
		Count:     int(count),
	}, nil
}

func (c *Cache) incrRedis(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *Cache) incrLocal(key string, window time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ctr, ok := c.counters[key]
	if !ok || now.After(ctr.expiry) {
		ctr = &localCounter{count: 0, expiry: now.Add(window)}
		c.counters[key] = ctr
	}
	ctr.count++
	return int64(ctr.count)
}

func (c *Cache) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.client != nil {
		return c.client.Set(ctx, key, value, ttl).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = localEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (c *Cache) get(ctx context.Context, key string) (string, error) {
	if c.client != nil {
		v, err := c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.local, key)
		return "", nil
	}
	return entry.value, nil
}

func (c *Cache) del(ctx context.Context, key string) error {
	if c.client != nil {
		return c.client.Del(ctx, key).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.local, key)
	return nil
}
