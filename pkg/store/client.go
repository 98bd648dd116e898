package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnset is returned by Get for a key that has never been written.
var ErrUnset = redis.Nil

// Client provides the shared-store operations every agent and tool uses.
// The client is schema-agnostic: it never rejects a key because it is unknown.
// It is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb        *redis.Client
	source     string
	now        func() time.Time
	maxSamples int64
}

// Option customises a Client.
type Option func(*Client)

// WithSource stamps published commands with the issuing agent or operator name.
func WithSource(source string) Option {
	return func(c *Client) { c.source = source }
}

// WithClock overrides the clock used for write timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMaxSamples bounds the length of each timeseries stream.
func WithMaxSamples(n int64) Option {
	return func(c *Client) { c.maxSamples = n }
}

// NewClient creates a store client.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - opts: optional source name, clock and timeseries length
func NewClient(redisOpts *redis.Options, opts ...Option) (*Client, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}

	c := &Client{
		rdb:        redis.NewClient(redisOpts),
		now:        time.Now,
		maxSamples: 86400,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Set writes a value and publishes a notification on the key's channel in a
// single MULTI/EXEC transaction, so subscribers see writes to one key in the
// order they happened. Returns the published notification.
func (c *Client) Set(ctx context.Context, key Key, value string) (Notification, error) {
	if _, err := ParseKey(string(key)); err != nil {
		return Notification{}, err
	}

	at := c.now()
	n := Notification{Key: key, Value: value, TimestampMs: at.UnixMilli()}
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, string(key), entryToHash(value, at))
		pipe.Publish(ctx, string(key), payload)
		return nil
	})
	if err != nil {
		return Notification{}, fmt.Errorf("failed to write %s: %w", key, err)
	}

	return n, nil
}

// Get returns the last written value of a key.
// Returns (nil, ErrUnset) if the key was never written. Use IsUnset() to check.
func (c *Client) Get(ctx context.Context, key Key) (*Entry, error) {
	hash, err := c.rdb.HGetAll(ctx, string(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hash) == 0 {
		return nil, ErrUnset
	}

	entry, err := hashToEntry(key, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return entry, nil
}

// GetMany reads several keys in one round trip. Unset keys are absent from
// the returned map.
func (c *Client) GetMany(ctx context.Context, keys ...Key) (map[Key]*Entry, error) {
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, string(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}

	entries := make(map[Key]*Entry, len(keys))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		entry, err := hashToEntry(keys[i], hash)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		entries[keys[i]] = entry
	}
	return entries, nil
}

// Keys lists stored keys matching a glob pattern, e.g. "status:*".
// Timeseries streams are not included.
func (c *Client) Keys(ctx context.Context, pattern string) ([]Key, error) {
	var keys []Key
	iter := c.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		k, err := ParseKey(iter.Val())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Publish sends a notification without storing anything. Used for commands,
// which are ephemeral. Each published command gets a fresh correlation ID.
func (c *Client) Publish(ctx context.Context, key Key, value string) (Notification, error) {
	if _, err := ParseKey(string(key)); err != nil {
		return Notification{}, err
	}

	n := Notification{
		Key:         key,
		Value:       value,
		TimestampMs: c.now().UnixMilli(),
		ID:          uuid.New().String(),
		Source:      c.source,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := c.rdb.Publish(ctx, string(key), payload).Err(); err != nil {
		return Notification{}, fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return n, nil
}

// IsUnset returns true if the error means the key was never written.
func IsUnset(err error) bool {
	return errors.Is(err, redis.Nil)
}
