package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCASConflict is returned when an atomic update loses the race too many
// times in a row.
var ErrCASConflict = errors.New("kv: compare-and-swap conflict")

const noncePrefix = "webhook:nonce:"

// casRetries bounds optimistic transaction retries under contention.
const casRetries = 5

// Client wraps the shared ephemeral store. It is the only authoritative
// place for cross-replica coordination: nonce reservations and rate-limit
// bucket state.
type Client struct {
	rdb *redis.Client
}

// New connects to the ephemeral store at the given URL.
func New(url, password string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kv url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing redis client. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ReserveNonce atomically reserves a nonce with the given TTL using
// set-if-absent. Returns false when the nonce was already reserved, which
// callers treat as a replay attempt.
func (c *Client) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, noncePrefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve nonce: %w", err)
	}
	return ok, nil
}

// Update applies an atomic read-modify-write to a key. The transform
// receives the current value (and whether the key exists) and returns the
// new value. The write only lands if the key was not modified concurrently;
// on interference the transform is re-run, up to casRetries times.
func (c *Client) Update(ctx context.Context, key string, ttl time.Duration, transform func(current string, exists bool) (string, error)) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		exists := true
		if err == redis.Nil {
			current, exists = "", false
		} else if err != nil {
			return err
		}

		next, err := transform(current, exists)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := c.rdb.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return ErrCASConflict
}
