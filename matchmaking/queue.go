// Package matchmaking is the per-stake FIFO matchmaking queue. All
// state lives in store.QueueEntryRepository — per spec, no in-memory
// queue state is authoritative.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duelcore/store"
)

// ErrActiveMatch signals the user already has an active match and may
// not enqueue.
var ErrActiveMatch = errors.New("matchmaking: user already has an active match")

// ActiveMatchChecker abstracts the session coordinator's
// active_match[user] gate so this package does not depend on session
// directly.
type ActiveMatchChecker interface {
	HasActiveMatch(ctx context.Context, userID string) (bool, error)
}

// Queue is the matchmaking queue.
type Queue struct {
	entries *store.QueueEntryRepository
	active  ActiveMatchChecker
	timeout time.Duration
}

func New(entries *store.QueueEntryRepository, active ActiveMatchChecker, timeout time.Duration) *Queue {
	return &Queue{entries: entries, active: active, timeout: timeout}
}

// Enqueue pushes a ticket onto the stake's queue after checking the
// single-active-match gate.
func (q *Queue) Enqueue(ctx context.Context, userID string, stake float64) (store.QueueEntry, error) {
	hasActive, err := q.active.HasActiveMatch(ctx, userID)
	if err != nil {
		return store.QueueEntry{}, fmt.Errorf("matchmaking: check active match: %w", err)
	}
	if hasActive {
		return store.QueueEntry{}, ErrActiveMatch
	}
	return q.entries.Enqueue(ctx, userID, stake, q.timeout)
}

// FindMatch pops the oldest compatible waiting entry other than the
// caller's own, discarding stale entries as it goes. Returns
// (entry, true) on a match, (zero, false) when the queue has nothing
// eligible.
func (q *Queue) FindMatch(ctx context.Context, tx pgx.Tx, userID string, stake float64) (store.QueueEntry, bool, error) {
	for {
		head, err := q.entries.PopHeadForUpdate(ctx, tx, stake, userID)
		if err != nil {
			if errors.Is(err, store.ErrQueueEntryNotFound) {
				return store.QueueEntry{}, false, nil
			}
			return store.QueueEntry{}, false, fmt.Errorf("matchmaking: pop queue head: %w", err)
		}

		if time.Since(head.CreatedAt) > q.timeout {
			if err := q.entries.Remove(ctx, tx, head.ID); err != nil {
				return store.QueueEntry{}, false, fmt.Errorf("matchmaking: remove stale entry: %w", err)
			}
			continue
		}

		return head, true, nil
	}
}

// MarkMatched flips an entry's status once it has been paired.
func (q *Queue) MarkMatched(ctx context.Context, tx pgx.Tx, id string) error {
	return q.entries.SetStatus(ctx, tx, id, "matched")
}

// Disconnect starts the grace period for a queued user instead of
// removing their ticket outright.
func (q *Queue) Disconnect(ctx context.Context, userID string, stake float64) error {
	return q.entries.MarkDisconnected(ctx, userID, stake)
}

// Reconnect restores a disconnected ticket if it is still within grace.
func (q *Queue) Reconnect(ctx context.Context, userID string, stake float64) error {
	return q.entries.RestoreConnected(ctx, userID, stake)
}

// Sweep removes expired and grace-expired entries. Run on a ticker, not
// per request.
func (q *Queue) Sweep(ctx context.Context, disconnectGrace time.Duration) (int64, error) {
	return q.entries.RemoveExpired(ctx, disconnectGrace)
}

// Cancel withdraws a user's own searching ticket.
func (q *Queue) Cancel(ctx context.Context, pool *pgxpool.Pool, userID string, stake float64) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("matchmaking: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := q.entries.GetForUpdate(ctx, tx, userID, stake)
	if err != nil {
		if errors.Is(err, store.ErrQueueEntryNotFound) {
			return nil
		}
		return fmt.Errorf("matchmaking: get entry for cancel: %w", err)
	}
	if err := q.entries.SetStatus(ctx, tx, entry.ID, "cancelled"); err != nil {
		return fmt.Errorf("matchmaking: cancel entry: %w", err)
	}
	return tx.Commit(ctx)
}
