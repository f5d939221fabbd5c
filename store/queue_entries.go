package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrQueueEntryNotFound signals the requested queue entry does not exist.
var ErrQueueEntryNotFound = errors.New("store: queue entry not found")

// QueueEntry is a short-lived matchmaking ticket.
type QueueEntry struct {
	ID             string
	UserID         string
	StakeAmount    float64
	Status         string
	DisconnectedAt *time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// QueueEntryRepository is the authoritative store for the matchmaking
// queue — per spec, in-memory queue state is only a cache of this.
type QueueEntryRepository struct {
	pool *pgxpool.Pool
}

func NewQueueEntryRepository(pool *pgxpool.Pool) *QueueEntryRepository {
	return &QueueEntryRepository{pool: pool}
}

func (r *QueueEntryRepository) Enqueue(ctx context.Context, userID string, stake float64, ttl time.Duration) (QueueEntry, error) {
	const q = `
		INSERT INTO match_queue_entries (user_id, stake_amount, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		RETURNING id, user_id, stake_amount, status, disconnected_at, created_at, expires_at
	`
	return scanQueueEntry(r.pool.QueryRow(ctx, q, userID, stake, ttl.String()))
}

// PopHeadForUpdate locks and returns the oldest searching entry for a
// stake tier other than excludeUserID, the candidate the caller is
// trying to pair with.
func (r *QueueEntryRepository) PopHeadForUpdate(ctx context.Context, tx pgx.Tx, stake float64, excludeUserID string) (QueueEntry, error) {
	const q = `
		SELECT id, user_id, stake_amount, status, disconnected_at, created_at, expires_at
		FROM match_queue_entries
		WHERE stake_amount = $1 AND status = 'searching' AND user_id <> $2
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	e, err := scanQueueEntry(tx.QueryRow(ctx, q, stake, excludeUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QueueEntry{}, ErrQueueEntryNotFound
		}
		return QueueEntry{}, fmt.Errorf("store: pop queue head: %w", err)
	}
	return e, nil
}

func (r *QueueEntryRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID string, stake float64) (QueueEntry, error) {
	const q = `
		SELECT id, user_id, stake_amount, status, disconnected_at, created_at, expires_at
		FROM match_queue_entries
		WHERE user_id = $1 AND stake_amount = $2 AND status IN ('searching', 'matched')
		ORDER BY created_at DESC LIMIT 1
		FOR UPDATE
	`
	e, err := scanQueueEntry(tx.QueryRow(ctx, q, userID, stake))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QueueEntry{}, ErrQueueEntryNotFound
		}
		return QueueEntry{}, fmt.Errorf("store: get queue entry for update: %w", err)
	}
	return e, nil
}

func (r *QueueEntryRepository) SetStatus(ctx context.Context, tx pgx.Tx, id, status string) error {
	const q = `UPDATE match_queue_entries SET status = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("store: set queue entry status: %w", err)
	}
	return nil
}

// MarkDisconnected starts the grace period instead of removing the row.
func (r *QueueEntryRepository) MarkDisconnected(ctx context.Context, userID string, stake float64) error {
	const q = `
		UPDATE match_queue_entries SET disconnected_at = now()
		WHERE user_id = $1 AND stake_amount = $2 AND status = 'searching' AND disconnected_at IS NULL
	`
	if _, err := r.pool.Exec(ctx, q, userID, stake); err != nil {
		return fmt.Errorf("store: mark queue entry disconnected: %w", err)
	}
	return nil
}

// RestoreConnected clears the disconnect marker on reconnect within grace.
func (r *QueueEntryRepository) RestoreConnected(ctx context.Context, userID string, stake float64) error {
	const q = `
		UPDATE match_queue_entries SET disconnected_at = NULL
		WHERE user_id = $1 AND stake_amount = $2 AND status = 'searching'
	`
	if _, err := r.pool.Exec(ctx, q, userID, stake); err != nil {
		return fmt.Errorf("store: restore queue entry: %w", err)
	}
	return nil
}

// RemoveExpired purges entries past their grace/TTL deadline.
func (r *QueueEntryRepository) RemoveExpired(ctx context.Context, disconnectGrace time.Duration) (int64, error) {
	const q = `
		DELETE FROM match_queue_entries
		WHERE (expires_at < now())
		   OR (disconnected_at IS NOT NULL AND disconnected_at < now() - $1::interval)
	`
	tag, err := r.pool.Exec(ctx, q, disconnectGrace.String())
	if err != nil {
		return 0, fmt.Errorf("store: remove expired queue entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *QueueEntryRepository) Remove(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM match_queue_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: remove queue entry: %w", err)
	}
	return nil
}

func scanQueueEntry(row pgx.Row) (QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.UserID, &e.StakeAmount, &e.Status, &e.DisconnectedAt, &e.CreatedAt, &e.ExpiresAt)
	return e, err
}
