// Package presence implements the shared-KV half of AmityVox's real-time
// state: the SessionRegistry's durable session/resume-buffer records,
// presence status, and the fixed-window rate limiter used by both the REST
// API and the gateway. The process-local half of SessionRegistry (live
// sessions, their writer queues) lives in the gateway package, which holds
// a *Cache.
package presence

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jxskiss/base62"
	"github.com/redis/go-redis/v9"
)

// Presence status values. Six statuses are tracked (online/idle/focus/busy/
// invisible/offline); "busy" plays the role of a conventional "dnd" status,
// and focus/invisible are an AmityVox-specific enrichment of that same
// status field — the gateway's PresenceUpdate handler accepts any of these six.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusFocus     = "focus"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Key prefixes for the shared KV store.
const (
	PrefixSession   = "session:"
	PrefixPresence  = "presence:"
	PrefixRateLimit = "ratelimit:"
	PrefixCache     = "cache:"
)

// SessionData is the REST-layer auth session record: the minimal state
// needed to validate a bearer token and support explicit logout
// invalidation, distinct from the gateway's GatewaySession (ws_session:*)
// which tracks WebSocket resume state.
type SessionData struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitResult is returned by CheckRateLimitInfo.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// Cache wraps a Redis/Dragonfly client and implements the shared-KV
// operations consumed by auth (session lookup), the REST rate limiter, and
// the gateway's SessionRegistry and presence tracking.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to the Redis-compatible store at rawURL.
func New(rawURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}

	logger.Info("cache connection established", slog.String("addr", opts.Addr))
	return &Cache{rdb: rdb, logger: logger}, nil
}

// HealthCheck pings the store.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// --- Auth session storage ---

// StoreSession records a REST auth session under session:{token}, with a
// TTL matching its expiry. Access tokens themselves are stateless JWTs
// (internal/auth), but logout needs an explicit invalidation point; this is
// it.
func (c *Cache) StoreSession(ctx context.Context, token string, data SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling session data: %w", err)
	}
	ttl := time.Until(data.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	return c.rdb.Set(ctx, PrefixSession+token, raw, ttl).Err()
}

// GetSession looks up a REST auth session by token.
func (c *Cache) GetSession(ctx context.Context, token string) (SessionData, error) {
	raw, err := c.rdb.Get(ctx, PrefixSession+token).Bytes()
	if err == redis.Nil {
		return SessionData{}, fmt.Errorf("session not found")
	}
	if err != nil {
		return SessionData{}, fmt.Errorf("fetching session: %w", err)
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return SessionData{}, fmt.Errorf("decoding session: %w", err)
	}
	return data, nil
}

// DeleteSession removes a REST auth session (logout).
func (c *Cache) DeleteSession(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, PrefixSession+token).Err()
}

// --- Rate limiting ---

// CheckRateLimitInfo implements a fixed-window counter: the first call for a
// key in a window sets the window's expiry; subsequent calls increment the
// counter. Used for the REST rate limits (global, auth, message) and the
// gateway's per-IP Identify limit; the gateway's PresenceUpdate and any-op
// limits are in-process token buckets instead.
func (c *Cache) CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	fullKey := PrefixRateLimit + key
	count, err := c.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("setting rate limit expiry: %w", err)
		}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
	}, nil
}

// --- Presence ---

// SetPresence refreshes a user's status with a liveness TTL, refreshed on
// each connected session's heartbeat.
func (c *Cache) SetPresence(ctx context.Context, userID, status string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixPresence+userID, status, ttl).Err()
}

// GetPresence returns a user's last known status, or StatusOffline if the
// liveness TTL has lapsed.
func (c *Cache) GetPresence(ctx context.Context, userID string) (string, error) {
	status, err := c.rdb.Get(ctx, PrefixPresence+userID).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetching presence: %w", err)
	}
	return status, nil
}

// NewSessionID returns a random 128-bit session identifier encoded as
// base62.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base62.EncodeToString(buf), nil
}
