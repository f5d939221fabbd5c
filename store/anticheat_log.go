package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AntiCheatFindingRepository appends aggregate anti-cheat findings.
// Findings never block the current match; they are an audit trail
// consulted out of band.
type AntiCheatFindingRepository struct {
	pool *pgxpool.Pool
}

func NewAntiCheatFindingRepository(pool *pgxpool.Pool) *AntiCheatFindingRepository {
	return &AntiCheatFindingRepository{pool: pool}
}

func (r *AntiCheatFindingRepository) Append(ctx context.Context, userID string, matchID *string, kind, detail string) error {
	const q = `INSERT INTO anticheat_findings (user_id, match_id, kind, detail) VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, q, userID, matchID, kind, detail); err != nil {
		return fmt.Errorf("store: append anticheat finding: %w", err)
	}
	return nil
}
