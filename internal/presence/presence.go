// Package presence records the connections this proxy instance serves in
// Redis, so other components can see which instance owns a client.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "rpcproxy:conn:"
	DefaultTTL = 300 * time.Second
)

// Store is the subset of *redis.Client the tracker needs.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Tracker keeps one expiring key per live connection.
type Tracker struct {
	store   Store
	proxyID string
	ttl     time.Duration
}

// NewTracker creates a tracker. ttl <= 0 selects DefaultTTL.
func NewTracker(store Store, proxyID string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, proxyID: proxyID, ttl: ttl}
}

// Key returns the Redis key of a connection.
func Key(connID string) string {
	return keyPrefix + connID
}

// Register announces a new connection.
func (t *Tracker) Register(ctx context.Context, connID, remote string) error {
	value := fmt.Sprintf("%s:%s", t.proxyID, remote)
	if err := t.store.Set(ctx, Key(connID), value, t.ttl).Err(); err != nil {
		return fmt.Errorf("register %s: %w", connID, err)
	}
	return nil
}

// Touch extends the lease of a connection, typically on heartbeat.
func (t *Tracker) Touch(ctx context.Context, connID string) error {
	ok, err := t.store.Expire(ctx, Key(connID), t.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch %s: %w", connID, err)
	}
	if !ok {
		return fmt.Errorf("touch %s: %w", connID, redis.Nil)
	}
	return nil
}

// Unregister removes a closed connection.
func (t *Tracker) Unregister(ctx context.Context, connID string) error {
	if err := t.store.Del(ctx, Key(connID)).Err(); err != nil {
		return fmt.Errorf("unregister %s: %w", connID, err)
	}
	return nil
}
