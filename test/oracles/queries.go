package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks that must hold at every point during a concurrent
// stress run, regardless of how many actors are racing against the schema.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_double_payout",
			SQL: `SELECT match_id, COUNT(*) FROM ledger_entries
			      WHERE kind = 'payout'
			      GROUP BY match_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_tap_before_green_light",
			SQL: `SELECT t.* FROM tap_events t
			      JOIN matches m ON m.id = t.match_id
			      WHERE m.green_light_time IS NOT NULL
			        AND t.server_timestamp < m.green_light_time`,
		},
		{
			Name: "O3_duplicate_tap_per_player",
			SQL: `SELECT match_id, user_id, COUNT(*) FROM tap_events
			      GROUP BY match_id, user_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_stale_queue_entry",
			SQL: `SELECT id FROM match_queue_entries
			      WHERE status = 'searching' AND expires_at < now() - interval '1 minute'`,
		},
		{
			Name: "O5_claimed_without_payout",
			SQL: `SELECT m.id FROM matches m
			      WHERE m.claim_status = 'claimed'
			        AND m.winner_wallet IS NOT NULL
			        AND NOT EXISTS (SELECT 1 FROM ledger_entries l WHERE l.match_id = m.id AND l.kind = 'payout')`,
		},
		{
			Name: "O6_same_player_both_seats",
			SQL:  `SELECT id FROM matches WHERE player1_id = player2_id`,
		},
		{
			Name: "O7_ledger_unbalanced_match",
			SQL: `SELECT match_id, SUM(amount) FROM ledger_entries
			      GROUP BY match_id
			      HAVING SUM(amount) > 0`,
		},
	}
}

// Run executes every oracle and returns the name and a sample violating row for the
// first one that finds anything, or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
