// Package auth implements the bearer-code authentication cache: a capped,
// TTL'd in-memory tier backed by an optional shared Redis tier, falling
// through to the analytics store's auth_codes table on a full miss.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/tzgw/analytics"
)

// AuthInfo is the validated identity behind a bearer code.
type AuthInfo struct {
	TenantID string
	Username string
	AuthCode string
	IsValid  bool
}

// ErrAPIKeyMissing is returned when the bearer-code header is absent.
var ErrAPIKeyMissing = errors.New("auth: bearer code header missing")

// ErrInvalidAuthToken is returned when a bearer code matches no active
// auth_codes row, in memory, Redis, or the analytics DB.
var ErrInvalidAuthToken = errors.New("auth: invalid auth token")

// ErrAdminTokenNotConfigured is returned by ValidateAdminToken when the
// gateway has no admin token configured, distinct from a mismatched token.
var ErrAdminTokenNotConfigured = errors.New("auth: admin token not configured")

const (
	// DefaultCapacity is the memory tier's max entry count per spec.md §4.7.
	DefaultCapacity = 10_000

	// DefaultTTL is the validity lifetime of a cached entry in either tier.
	DefaultTTL = time.Hour
)

// Store is the read path the cache falls through to on a full miss.
// *analytics.Store satisfies this.
type Store interface {
	LookupAuthCode(ctx context.Context, code string) (*analytics.AuthCodeRecord, error)
	IncrementUsage(ctx context.Context, code string) error
}

type memEntry struct {
	info      AuthInfo
	expiresAt time.Time
}

// Cache is the three-tier auth-code cache: memory → Redis (optional) →
// analytics DB. Concurrent lookups/inserts for the same key are safe;
// concurrent misses may each query downstream and each insert, with the
// last insert winning, which is acceptable since entries for the same key
// are value-equivalent per spec.md §4.7.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	capacity int
	ttl      time.Duration

	redis *redis.Client
	store Store
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis attaches a shared Redis tier between memory and the DB. rdb
// may be nil, in which case the Redis tier is skipped (matching the
// reference design's two-tier fallback when no shared cache is deployed).
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.redis = rdb }
}

// WithCapacity overrides the memory tier's entry cap (default 10,000).
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithTTL overrides the cache TTL (default one hour) for both tiers.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// New builds a Cache backed by store, the final fallthrough tier.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*memEntry),
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		store:    store,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate resolves code to its AuthInfo, querying memory, then Redis (if
// configured), then the analytics DB in order, populating faster tiers on
// a slower-tier hit. A usage counter is incremented in the DB on any hit.
// An absent or inactive row yields ErrInvalidAuthToken.
func (c *Cache) Validate(ctx context.Context, code string) (*AuthInfo, error) {
	if code == "" {
		return nil, ErrAPIKeyMissing
	}

	if info, ok := c.getMemory(code); ok {
		c.incrementUsage(ctx, code)
		return &info, nil
	}

	if c.redis != nil {
		if info, ok, err := c.getRedis(ctx, code); err == nil && ok {
			c.setMemory(code, info)
			c.incrementUsage(ctx, code)
			return &info, nil
		}
	}

	rec, err := c.store.LookupAuthCode(ctx, code)
	if err != nil {
		if errors.Is(err, analytics.ErrAuthCodeNotFound) {
			return nil, ErrInvalidAuthToken
		}
		return nil, err
	}

	info := AuthInfo{TenantID: rec.TenantID, Username: rec.Username, AuthCode: rec.AuthCode, IsValid: rec.IsActive}
	if !info.IsValid {
		return nil, ErrInvalidAuthToken
	}

	c.setMemory(code, info)
	if c.redis != nil {
		c.setRedis(ctx, code, info)
	}
	c.incrementUsage(ctx, code)

	return &info, nil
}

func (c *Cache) incrementUsage(ctx context.Context, code string) {
	_ = c.store.IncrementUsage(ctx, code)
}

func (c *Cache) getMemory(code string) (AuthInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[code]
	if !ok {
		return AuthInfo{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, code)
		return AuthInfo{}, false
	}
	return entry.info, true
}

func (c *Cache) setMemory(code string, info AuthInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[code]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[code] = &memEntry{info: info, expiresAt: time.Now().Add(c.ttl)}
}

// evictOldestLocked removes the entry with the nearest expiry. Called with
// mu held. A linear scan is acceptable at a 10,000-entry cap and avoids
// the bookkeeping of a full LRU for a cache whose eviction order spec.md
// does not otherwise constrain.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func redisKey(code string) string { return "tzgw:auth:" + code }

func (c *Cache) getRedis(ctx context.Context, code string) (AuthInfo, bool, error) {
	data, err := c.redis.Get(ctx, redisKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuthInfo{}, false, nil
	}
	if err != nil {
		return AuthInfo{}, false, err
	}
	var info AuthInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return AuthInfo{}, false, err
	}
	return info, true, nil
}

func (c *Cache) setRedis(ctx context.Context, code string, info AuthInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, redisKey(code), data, c.ttl).Err()
}

// Len reports the memory tier's current entry count, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ValidateAdminToken compares the supplied bearer token against the
// gateway's configured admin token in constant time, so response latency
// cannot be used to brute-force the token byte by byte.
func ValidateAdminToken(configured, supplied string) error {
	if configured == "" {
		return ErrAdminTokenNotConfigured
	}
	if supplied == "" {
		return ErrAPIKeyMissing
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) != 1 {
		return ErrInvalidAuthToken
	}
	return nil
}
