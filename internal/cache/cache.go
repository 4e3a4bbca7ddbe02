// Package cache provides the shared Redis-backed key-value layer: typed TTL
// namespaces for hot market data and sessions, plus the list/sorted-set/set
// primitives the job queue is built on.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-trading-platform/config"
	"futures-trading-platform/internal/logging"
)

// Namespace TTLs. Writers in each namespace are fixed: price and orderbook
// keys are written by the market-data hub, sessions by the control plane,
// job keys by the job system.
const (
	TTLPrice     = 30 * time.Second
	TTLOrderBook = 10 * time.Second
	TTLTicker24h = 300 * time.Second
	TTLSession   = 1800 * time.Second
)

// Key builders for the typed namespaces.
func PriceKey(venue, symbol string) string     { return fmt.Sprintf("price:%s:%s", venue, symbol) }
func OrderBookKey(venue, symbol string) string { return fmt.Sprintf("orderbook:%s:%s", venue, symbol) }
func Ticker24hKey(venue, symbol string) string { return fmt.Sprintf("ticker-24h:%s:%s", venue, symbol) }
func SessionKey(sessionID string) string       { return fmt.Sprintf("session:%s", sessionID) }
func BotStateKey(botID string) string          { return fmt.Sprintf("bot-state:%s", botID) }

// ErrMiss is returned on cache miss.
var ErrMiss = redis.Nil

// Cache wraps the Redis client with health tracking. When Redis is
// unavailable operations fail fast and callers fall back to their source of
// truth.
type Cache struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// New connects to Redis. A failed initial ping returns the cache in degraded
// mode rather than an error; it recovers on its own.
func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	c := &Cache{
		client:        client,
		log:           logging.Component("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.log.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return c, nil
	}

	c.healthy = true
	c.lastCheck = time.Now()
	c.log.Info().Str("address", cfg.Address).Msg("redis connected")
	return c, nil
}

// Healthy reports whether Redis is currently usable.
func (c *Cache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Cache) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	if c.failureCount >= c.maxFailures && c.healthy {
		c.log.Warn().Int("failures", c.failureCount).Msg("redis marked unhealthy")
		c.healthy = false
	}
}

func (c *Cache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		c.log.Info().Msg("redis recovered")
	}
	c.healthy = true
	c.failureCount = 0
	c.lastCheck = time.Now()
}

func (c *Cache) checkHealth() {
	c.mu.RLock()
	shouldCheck := !c.healthy && time.Since(c.lastCheck) >= c.checkInterval
	c.mu.RUnlock()
	if !shouldCheck {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.client.Ping(ctx).Err(); err == nil {
			c.recordSuccess()
		} else {
			c.mu.Lock()
			c.lastCheck = time.Now()
			c.mu.Unlock()
		}
	}()
}

func (c *Cache) guard() error {
	c.checkHealth()
	if !c.Healthy() {
		return fmt.Errorf("redis unavailable")
	}
	return nil
}

// wrap converts an operation outcome into health bookkeeping. Misses are not
// failures.
func (c *Cache) wrap(err error) error {
	if err == nil || err == redis.Nil {
		c.recordSuccess()
		return err
	}
	c.recordFailure()
	return err
}

// encode JSON-encodes compound values; scalar strings pass through untouched.
func encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("marshal cache value: %w", err)
		}
		return string(data), nil
	}
}

// ==================== STRINGS ====================

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	val, err := c.client.Get(ctx, key).Result()
	return val, c.wrap(err)
}

func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	return c.wrap(c.client.Set(ctx, key, data, ttl).Err())
}

// SetNX sets the key only if it does not exist. Returns true when set.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	data, err := encode(value)
	if err != nil {
		return false, err
	}
	ok, err := c.client.SetNX(ctx, key, data, ttl).Result()
	return ok, c.wrap(err)
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.wrap(c.client.Del(ctx, keys...).Err())
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, c.wrap(err)
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.wrap(c.client.Expire(ctx, key, ttl).Err())
}

func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	ttl, err := c.client.TTL(ctx, key).Result()
	return ttl, c.wrap(err)
}

// ==================== BATCH ====================

func (c *Cache) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err := c.wrap(err); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (c *Cache) SetMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	if err := c.guard(); err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	for key, value := range values {
		data, err := encode(value)
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, data, ttl)
	}
	_, err := pipe.Exec(ctx)
	return c.wrap(err)
}

func (c *Cache) DeleteMany(ctx context.Context, keys ...string) error {
	return c.Del(ctx, keys...)
}

// ClearPrefix deletes all keys under a prefix via SCAN.
func (c *Cache) ClearPrefix(ctx context.Context, prefix string) error {
	if err := c.guard(); err != nil {
		return err
	}
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return c.wrap(err)
		}
	}
	return c.wrap(iter.Err())
}

// ==================== LISTS (FIFO queues) ====================

func (c *Cache) ListPush(ctx context.Context, key string, values ...interface{}) error {
	if err := c.guard(); err != nil {
		return err
	}
	encoded := make([]interface{}, len(values))
	for i, v := range values {
		data, err := encode(v)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	return c.wrap(c.client.LPush(ctx, key, encoded...).Err())
}

// ListPop pops from the tail, yielding FIFO order against ListPush.
func (c *Cache) ListPop(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	val, err := c.client.RPop(ctx, key).Result()
	return val, c.wrap(err)
}

func (c *Cache) ListLen(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	n, err := c.client.LLen(ctx, key).Result()
	return n, c.wrap(err)
}

func (c *Cache) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	vals, err := c.client.LRange(ctx, key, start, stop).Result()
	return vals, c.wrap(err)
}

func (c *Cache) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.wrap(c.client.LTrim(ctx, key, start, stop).Err())
}

func (c *Cache) ListRemove(ctx context.Context, key string, value string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.wrap(c.client.LRem(ctx, key, 0, value).Err())
}

// ==================== SORTED SETS (scheduled jobs) ====================

func (c *Cache) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.wrap(c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (c *Cache) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	vals, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	return vals, c.wrap(err)
}

func (c *Cache) SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := c.client.ZRem(ctx, key, args...).Result()
	return n, c.wrap(err)
}

// ==================== SETS (processing set) ====================

func (c *Cache) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.wrap(c.client.SAdd(ctx, key, args...).Err())
}

func (c *Cache) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := c.guard(); err != nil {
		return err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.wrap(c.client.SRem(ctx, key, args...).Err())
}

func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	vals, err := c.client.SMembers(ctx, key).Result()
	return vals, c.wrap(err)
}

// Eval runs a Lua script. The job queue uses this for its atomic
// promote-and-claim operations.
func (c *Cache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	res, err := c.client.Eval(ctx, script, keys, args...).Result()
	return res, c.wrap(err)
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.wrap(c.client.Ping(ctx).Err())
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
