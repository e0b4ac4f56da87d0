package sso

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReplayGuard enforces single consumption of a transport state. The state
// itself is stateless; the guard is the only server-side memory of it.
type ReplayGuard interface {
	// Consume marks the state as used. A second Consume of the same state
	// within the TTL window returns ErrStateReplayed.
	Consume(ctx context.Context, encodedState string) error
}

// RedisReplayGuard backs the guard with a Redis SETNX per state token.
// Keys expire with the state's own staleness window, so the guard only has
// to remember states that could still pass the age check.
type RedisReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplayGuard creates a Redis-backed replay guard
func NewRedisReplayGuard(client *redis.Client, ttl time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, ttl: ttl}
}

// Consume implements ReplayGuard
func (g *RedisReplayGuard) Consume(ctx context.Context, encodedState string) error {
	sum := sha256.Sum256([]byte(encodedState))
	key := "sso:state:" + hex.EncodeToString(sum[:])

	ok, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("replay guard unavailable: %w", err)
	}
	if !ok {
		return ErrStateReplayed
	}
	return nil
}

// NopReplayGuard accepts every state. Used when Redis is not configured;
// the staleness window is then the only replay bound.
type NopReplayGuard struct{}

// Consume implements ReplayGuard
func (NopReplayGuard) Consume(ctx context.Context, encodedState string) error { return nil }
