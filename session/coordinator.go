// Package session owns per-user liveness: the single-active-connection
// invariant, reconnect grace bookkeeping, and heartbeat-driven
// abandonment detection. The ephemeral state lives in Redis, a cache
// of store-backed truth per spec — nothing here is the system of
// record for match outcomes.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoActiveMatch signals the user has no active_match key set.
var ErrNoActiveMatch = errors.New("session: no active match")

// Coordinator tracks active_match[user], active_socket[user], and
// queue_disconnect[user,stake] as TTL'd Redis keys.
type Coordinator struct {
	redis *redis.Client
}

func NewCoordinator(redisURL string) (*Coordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}
	return &Coordinator{redis: redis.NewClient(opts)}, nil
}

func activeMatchKey(userID string) string { return "active_match:" + userID }
func activeSocketKey(userID string) string { return "active_socket:" + userID }
func queueDisconnectKey(userID, stake string) string { return "queue_disconnect:" + userID + ":" + stake }

// SetActiveMatch records that userID is now inside matchID, gating
// further enqueue attempts.
func (c *Coordinator) SetActiveMatch(ctx context.Context, userID, matchID string, ttl time.Duration) error {
	if err := c.redis.Set(ctx, activeMatchKey(userID), matchID, ttl).Err(); err != nil {
		return fmt.Errorf("session: set active match: %w", err)
	}
	return nil
}

// ClearActiveMatch releases the gate on match cleanup.
func (c *Coordinator) ClearActiveMatch(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, activeMatchKey(userID)).Err(); err != nil {
		return fmt.Errorf("session: clear active match: %w", err)
	}
	return nil
}

// HasActiveMatch implements matchmaking.ActiveMatchChecker.
func (c *Coordinator) HasActiveMatch(ctx context.Context, userID string) (bool, error) {
	n, err := c.redis.Exists(ctx, activeMatchKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("session: check active match: %w", err)
	}
	return n > 0, nil
}

// GetActiveMatch returns the match id a user is currently bound to.
func (c *Coordinator) GetActiveMatch(ctx context.Context, userID string) (string, error) {
	v, err := c.redis.Get(ctx, activeMatchKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoActiveMatch
	}
	if err != nil {
		return "", fmt.Errorf("session: get active match: %w", err)
	}
	return v, nil
}

// SetActiveSocket records the connection id currently serving userID,
// replacing (and the caller should forcibly close) any prior one.
func (c *Coordinator) SetActiveSocket(ctx context.Context, userID, connectionID string, ttl time.Duration) (previous string, err error) {
	previous, getErr := c.redis.Get(ctx, activeSocketKey(userID)).Result()
	if getErr != nil && !errors.Is(getErr, redis.Nil) {
		return "", fmt.Errorf("session: get prior socket: %w", getErr)
	}
	if err := c.redis.Set(ctx, activeSocketKey(userID), connectionID, ttl).Err(); err != nil {
		return "", fmt.Errorf("session: set active socket: %w", err)
	}
	return previous, nil
}

func (c *Coordinator) ClearActiveSocket(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, activeSocketKey(userID)).Err(); err != nil {
		return fmt.Errorf("session: clear active socket: %w", err)
	}
	return nil
}

// MarkQueueDisconnect starts the grace-period key for a queued user.
func (c *Coordinator) MarkQueueDisconnect(ctx context.Context, userID, stake string, grace time.Duration) error {
	if err := c.redis.Set(ctx, queueDisconnectKey(userID, stake), time.Now().UnixMilli(), grace).Err(); err != nil {
		return fmt.Errorf("session: mark queue disconnect: %w", err)
	}
	return nil
}

// IsWithinQueueGrace reports whether a reconnect arrived before the
// grace period's TTL expired.
func (c *Coordinator) IsWithinQueueGrace(ctx context.Context, userID, stake string) (bool, error) {
	n, err := c.redis.Exists(ctx, queueDisconnectKey(userID, stake)).Result()
	if err != nil {
		return false, fmt.Errorf("session: check queue grace: %w", err)
	}
	return n > 0, nil
}

func (c *Coordinator) ClearQueueDisconnect(ctx context.Context, userID, stake string) error {
	if err := c.redis.Del(ctx, queueDisconnectKey(userID, stake)).Err(); err != nil {
		return fmt.Errorf("session: clear queue disconnect: %w", err)
	}
	return nil
}

// ClassifyDisconnect reports whether a connection's lifetime counts as
// an "early" disconnect that should not increment the hard-disconnect
// counter.
func ClassifyDisconnect(connectedAt time.Time, now time.Time, stableThreshold time.Duration) (early bool) {
	return now.Sub(connectedAt) < stableThreshold
}

// ShouldCancelForReconnects applies the cancel-for-max-reconnects rule,
// including the initial-funding guard that prevents cancellation
// caused by rapid client remounts during early funding.
func ShouldCancelForReconnects(hardDisconnects, maxHardReconnects int, status string, anyoneReady bool, signalSent bool, matchAge, minFundingDuration time.Duration) bool {
	if hardDisconnects <= maxHardReconnects {
		return false
	}
	if status == "funding" && !anyoneReady && !signalSent && matchAge < minFundingDuration {
		return false
	}
	return true
}
