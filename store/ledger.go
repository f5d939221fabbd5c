package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerEntry is one row per settlement-affecting event, the audit
// trail backing the pot-equals-payout-plus-fee invariant.
type LedgerEntry struct {
	ID      string
	MatchID string
	Kind    string
	Amount  float64
	Wallet  *string
}

// LedgerRepository records settlement events inside the orchestrator's
// completion transaction.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) Record(ctx context.Context, tx pgx.Tx, matchID, kind string, amount float64, wallet *string) error {
	const q = `INSERT INTO ledger_entries (match_id, kind, amount, wallet) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, q, matchID, kind, amount, wallet); err != nil {
		return fmt.Errorf("store: record ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerRepository) ListForMatch(ctx context.Context, matchID string) ([]LedgerEntry, error) {
	const q = `SELECT id, match_id, kind, amount, wallet FROM ledger_entries WHERE match_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, matchID)
	if err != nil {
		return nil, fmt.Errorf("store: list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Kind, &e.Amount, &e.Wallet); err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
