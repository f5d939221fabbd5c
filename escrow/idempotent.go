package escrow

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Idempotent wraps a Client so concurrent duplicate mutating calls for
// the same (operation, match_id) collapse onto a single in-flight
// call — the second waiter receives the first's result rather than
// issuing its own RPC, per the caller-side idempotency requirement for
// escrow mutations.
type Idempotent struct {
	inner Client
	group singleflight.Group
}

func NewIdempotent(inner Client) *Idempotent {
	return &Idempotent{inner: inner}
}

func (c *Idempotent) CreateMatch(ctx context.Context, matchID, p1Wallet, p2Wallet string, stake float64) (Result, error) {
	v, err, _ := c.group.Do(key("createMatch", matchID), func() (any, error) {
		return c.inner.CreateMatch(ctx, matchID, p1Wallet, p2Wallet, stake)
	})
	return toResult(v, err)
}

func (c *Idempotent) CompleteMatch(ctx context.Context, matchID, winnerWallet string) (Result, error) {
	v, err, _ := c.group.Do(key("completeMatch", matchID), func() (any, error) {
		return c.inner.CompleteMatch(ctx, matchID, winnerWallet)
	})
	return toResult(v, err)
}

func (c *Idempotent) SplitPot(ctx context.Context, matchID string) (Result, error) {
	v, err, _ := c.group.Do(key("splitPot", matchID), func() (any, error) {
		return c.inner.SplitPot(ctx, matchID)
	})
	return toResult(v, err)
}

func (c *Idempotent) CancelMatch(ctx context.Context, matchID string) (Result, error) {
	v, err, _ := c.group.Do(key("cancelMatch", matchID), func() (any, error) {
		return c.inner.CancelMatch(ctx, matchID)
	})
	return toResult(v, err)
}

func (c *Idempotent) GetMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	return c.inner.GetMatch(ctx, matchID)
}

func (c *Idempotent) VerifyStakeStatus(ctx context.Context, matchID string) (StakeStatus, error) {
	return c.inner.VerifyStakeStatus(ctx, matchID)
}

func key(op, matchID string) string {
	return fmt.Sprintf("%s:%s", op, matchID)
}

func toResult(v any, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	r, _ := v.(Result)
	return r, nil
}
