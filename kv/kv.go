// Package kv holds the uptime side-state that must survive process
// restarts: the advisory per-slot locks, the last confirmed-online marker,
// and the offline-candidate marker that drives the two-slot confirmation
// gate. Everything lives in Redis with explicit TTLs so abandoned state
// ages out on its own.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key TTLs. The slot lock must outlive a slow tick but free the next slot;
// the per-miner markers survive a week of downtime.
const (
	SlotLockTTL = 16 * time.Minute
	MarkerTTL   = 7 * 24 * time.Hour
)

// KV is the Redis-backed side-state store.
type KV struct {
	client *redis.Client
}

// Open parses a Redis URL (redis:// or rediss://, password inline) and
// returns a connected store. The connection is verified with a ping.
func Open(ctx context.Context, rawURL string) (*KV, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &KV{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *KV {
	return &KV{client: client}
}

// Close releases the client.
func (k *KV) Close() error {
	return k.client.Close()
}

// Ping verifies connectivity.
func (k *KV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// Key builders. Kept as functions so tests can assert the exact layout.

func slotLockKey(pool, slotID string) string {
	return fmt.Sprintf("uptime:%s:%s", slotID, pool)
}

func lastOnlineKey(pool, minerID string) string {
	return fmt.Sprintf("uptime:lastOnline:%s:%s", pool, minerID)
}

func offlineCandidateKey(pool, minerID string) string {
	return fmt.Sprintf("uptime:lastOfflineCandidate:%s:%s", pool, minerID)
}

// AcquireSlotLock takes the advisory per-pool per-slot mutex with NX
// semantics. It returns false when another process already holds the slot.
func (k *KV) AcquireSlotLock(ctx context.Context, pool, slotID string) (bool, error) {
	ok, err := k.client.SetNX(ctx, slotLockKey(pool, slotID), "1", SlotLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot lock: %w", err)
	}
	return ok, nil
}

// LastOnline returns the slot identifier of the miner's most recent
// confirmed-online slot, or "" when none is recorded.
func (k *KV) LastOnline(ctx context.Context, pool, minerID string) (string, error) {
	return k.getString(ctx, lastOnlineKey(pool, minerID))
}

// SetLastOnline records the slot in which the miner was confirmed online.
func (k *KV) SetLastOnline(ctx context.Context, pool, minerID, slotID string) error {
	return k.client.Set(ctx, lastOnlineKey(pool, minerID), slotID, MarkerTTL).Err()
}

// ClearLastOnline removes the confirmed-online marker.
func (k *KV) ClearLastOnline(ctx context.Context, pool, minerID string) error {
	return k.client.Del(ctx, lastOnlineKey(pool, minerID)).Err()
}

// OfflineCandidate returns the slot in which the miner was first observed
// offline, or "" when no confirmation is pending.
func (k *KV) OfflineCandidate(ctx context.Context, pool, minerID string) (string, error) {
	return k.getString(ctx, offlineCandidateKey(pool, minerID))
}

// SetOfflineCandidate records the first-observed-offline slot.
func (k *KV) SetOfflineCandidate(ctx context.Context, pool, minerID, slotID string) error {
	return k.client.Set(ctx, offlineCandidateKey(pool, minerID), slotID, MarkerTTL).Err()
}

// ClearOfflineCandidate removes a pending offline confirmation.
func (k *KV) ClearOfflineCandidate(ctx context.Context, pool, minerID string) error {
	return k.client.Del(ctx, offlineCandidateKey(pool, minerID)).Err()
}

func (k *KV) getString(ctx context.Context, key string) (string, error) {
	val, err := k.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}
