package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TapEvent is the immutable record of a player's first tap in a match.
type TapEvent struct {
	ID               string
	MatchID          string
	UserID           string
	ClientTimestamp  *int64
	ServerTimestamp  int64
	ReactionMS       int64
	IsValid          bool
	Disqualified     bool
	DisqualifyReason *string
	CreatedAt        time.Time
}

// TapEventRepository provides first-write-wins access to tap_events.
type TapEventRepository struct {
	pool *pgxpool.Pool
}

func NewTapEventRepository(pool *pgxpool.Pool) *TapEventRepository {
	return &TapEventRepository{pool: pool}
}

// InsertParams carries one player's tap write.
type InsertParams struct {
	MatchID          string
	UserID           string
	ClientTimestamp  *int64
	ServerTimestamp  int64
	ReactionMS       int64
	IsValid          bool
	Disqualified     bool
	DisqualifyReason *string
}

// Insert attempts a first-write-wins insert. If a tap already exists
// for (match, user), the existing row is returned unchanged and wasNew
// is false — the caller never observes a write failure for a
// duplicate tap.
func (r *TapEventRepository) Insert(ctx context.Context, tx pgx.Tx, p InsertParams) (tap TapEvent, wasNew bool, err error) {
	const insertQ = `
		INSERT INTO tap_events (match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid, disqualified, disqualify_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid, disqualified, disqualify_reason, created_at
	`
	tap, err = scanTap(tx.QueryRow(ctx, insertQ,
		p.MatchID, p.UserID, p.ClientTimestamp, p.ServerTimestamp, p.ReactionMS, p.IsValid, p.Disqualified, p.DisqualifyReason,
	))
	if err == nil {
		return tap, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		existing, getErr := r.GetForUpdate(ctx, tx, p.MatchID, p.UserID)
		if getErr != nil {
			return TapEvent{}, false, fmt.Errorf("store: fetch existing tap after conflict: %w", getErr)
		}
		return existing, false, nil
	}

	return TapEvent{}, false, fmt.Errorf("store: insert tap event: %w", err)
}

// GetForUpdate locks a tap row, used to return the canonical row to a
// duplicate tap caller without a second race window.
func (r *TapEventRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, matchID, userID string) (TapEvent, error) {
	const q = `
		SELECT id, match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid, disqualified, disqualify_reason, created_at
		FROM tap_events WHERE match_id = $1 AND user_id = $2 FOR UPDATE
	`
	return scanTap(tx.QueryRow(ctx, q, matchID, userID))
}

// ListForMatch returns both taps (0, 1, or 2 rows) for winner
// determination.
func (r *TapEventRepository) ListForMatch(ctx context.Context, tx pgx.Tx, matchID string) ([]TapEvent, error) {
	const q = `
		SELECT id, match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid, disqualified, disqualify_reason, created_at
		FROM tap_events WHERE match_id = $1
	`
	rows, err := tx.Query(ctx, q, matchID)
	if err != nil {
		return nil, fmt.Errorf("store: list taps for match: %w", err)
	}
	defer rows.Close()

	var out []TapEvent
	for rows.Next() {
		t, err := scanTap(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan tap row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentForUser supports the anti-cheat aggregate checks.
func (r *TapEventRepository) RecentForUser(ctx context.Context, userID string, limit int) ([]TapEvent, error) {
	const q = `
		SELECT id, match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid, disqualified, disqualify_reason, created_at
		FROM tap_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent taps for user: %w", err)
	}
	defer rows.Close()

	var out []TapEvent
	for rows.Next() {
		t, err := scanTap(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan recent tap row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTap(row pgx.Row) (TapEvent, error) {
	var t TapEvent
	err := row.Scan(
		&t.ID, &t.MatchID, &t.UserID, &t.ClientTimestamp, &t.ServerTimestamp, &t.ReactionMS,
		&t.IsValid, &t.Disqualified, &t.DisqualifyReason, &t.CreatedAt,
	)
	return t, err
}
