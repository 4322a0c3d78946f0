// Package kv wraps the Redis client with the exact operation surface the
// rest of the core needs: atomic counters with TTL, get/set with expiry,
// hash and set aggregation, pub/sub, and ordered pipelines.
package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrUnavailable wraps connection-level failures so callers can distinguish
// a down store from a missing key and decide their own degradation.
var ErrUnavailable = errors.New("kv: store unavailable")

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// incrWithTTLScript increments a counter and sets its expiry only on first
// write. Runs server-side so concurrent callers are strictly serialized;
// a read-then-write sequence would race.
var incrWithTTLScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Client is the KV store adapter shared by all services.
type Client struct {
	rdb    *redis.Client
	url    string
	db     int
	logger zerolog.Logger
}

// New connects to the store at the given URL (redis:// scheme).
func New(url string, db int, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}
	opts.DB = db

	c := &Client{
		rdb:    redis.NewClient(opts),
		url:    url,
		db:     db,
		logger: logger.With().Str("component", "kv").Logger(),
	}
	return c, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger.With().Str("component", "kv").Logger()}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.classify(err)
	}
	return nil
}

// Reconnect replaces the underlying connection. Reconnection is explicit;
// individual operations fail fast instead of retrying.
func (c *Client) Reconnect(ctx context.Context) error {
	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("kv: parse url: %w", err)
	}
	opts.DB = c.db

	fresh := redis.NewClient(opts)
	if err := fresh.Ping(ctx).Err(); err != nil {
		fresh.Close()
		return c.classify(err)
	}

	old := c.rdb
	c.rdb = fresh
	if old != nil {
		old.Close()
	}
	c.logger.Info().Msg("Reconnected to KV store")
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// classify maps driver errors onto the adapter's error kinds.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "client is closed") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// IncrWithTTL atomically increments key and, on the first write only, sets
// its expiry. Returns the post-increment value.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	n, err := incrWithTTLScript.Run(ctx, c.rdb, []string{key}, seconds).Int64()
	if err != nil {
		return 0, c.classify(err)
	}
	return n, nil
}

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", c.classify(err)
	}
	return v, nil
}

// Set stores value at key with an optional expiry (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value interface{}, ex time.Duration) error {
	return c.classify(c.rdb.Set(ctx, key, value, ex).Err())
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.classify(c.rdb.Del(ctx, key).Err())
}

// Expire sets the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.classify(c.rdb.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining time to live of a key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, c.classify(err)
	}
	return d, nil
}

// Hash operations.

func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
	return n, c.classify(err)
}

func (c *Client) HIncrByFloat(ctx context.Context, key, field string, incr float64) (float64, error) {
	n, err := c.rdb.HIncrByFloat(ctx, key, field, incr).Result()
	return n, c.classify(err)
}

func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	return c.classify(c.rdb.HSet(ctx, key, values...).Err())
}

func (c *Client) HSetNX(ctx context.Context, key, field string, value interface{}) (bool, error) {
	ok, err := c.rdb.HSetNX(ctx, key, field, value).Result()
	return ok, c.classify(err)
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	return m, c.classify(err)
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", c.classify(err)
	}
	return v, nil
}

// Set operations.

func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.classify(c.rdb.SAdd(ctx, key, members...).Err())
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	return v, c.classify(err)
}

func (c *Client) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	return ok, c.classify(err)
}

func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.classify(c.rdb.SRem(ctx, key, members...).Err())
}

// Pipeline executes the queued operations in order and returns after all
// results are available.
func (c *Client) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := c.rdb.Pipelined(ctx, fn)
	if err != nil {
		return cmds, c.classify(err)
	}
	return cmds, nil
}
