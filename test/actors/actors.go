package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// QueueJoiner repeatedly enqueues fresh players at a fixed stake, feeding the Matcher
// a steady stream of searching entries to pair.
func QueueJoiner(ctx context.Context, pool *pgxpool.Pool, stake float64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var userID string
		err := pool.QueryRow(ctx, `INSERT INTO users (wallet_address) VALUES ($1) RETURNING id`,
			randomWallet()).Scan(&userID)
		if err != nil {
			return err
		}
		_, err = pool.Exec(ctx, `INSERT INTO match_queue_entries (user_id, stake_amount, status, expires_at)
		                          VALUES ($1, $2, 'searching', now() + interval '30 seconds')`, userID, stake)
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Matcher pulls two searching entries at the same stake with SELECT ... FOR UPDATE SKIP
// LOCKED and pairs them into a match, mirroring the orchestrator's own pairing query
// under concurrent matcher instances.
func Matcher(ctx context.Context, pool *pgxpool.Pool, stake float64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := tryPair(ctx, pool, stake); err != nil {
			return err
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

func tryPair(ctx context.Context, pool *pgxpool.Pool, stake float64) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, user_id FROM match_queue_entries
	                            WHERE stake_amount = $1 AND status = 'searching'
	                            ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 2`, stake)
	if err != nil {
		return err
	}
	type entry struct{ id, user string }
	var picked []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.user); err != nil {
			rows.Close()
			return err
		}
		picked = append(picked, e)
	}
	rows.Close()
	if len(picked) < 2 {
		return nil
	}

	var p1Wallet, p2Wallet string
	if err := tx.QueryRow(ctx, `SELECT wallet_address FROM users WHERE id=$1`, picked[0].user).Scan(&p1Wallet); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx, `SELECT wallet_address FROM users WHERE id=$1`, picked[1].user).Scan(&p2Wallet); err != nil {
		return err
	}

	idemKey := picked[0].id + ":" + picked[1].id
	var matchID string
	err = tx.QueryRow(ctx, `INSERT INTO matches (idempotency_key, player1_id, player2_id, player1_wallet, player2_wallet, stake_amount, status)
	                        VALUES ($1,$2,$3,$4,$5,$6,'matched') RETURNING id`,
		idemKey, picked[0].user, picked[1].user, p1Wallet, p2Wallet, stake).Scan(&matchID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE match_queue_entries SET status='matched' WHERE id = ANY($1)`,
		[]string{picked[0].id, picked[1].id}); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (match_id, kind, amount, wallet) VALUES ($1,'stake',$2,$3)`,
		matchID, -stake, p1Wallet); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (match_id, kind, amount, wallet) VALUES ($1,'stake',$2,$3)`,
		matchID, -stake, p2Wallet); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// TapWriter submits a reaction tap for the given match/player pair, exercising the same
// insert path real players hit when tapping the signal.
func TapWriter(ctx context.Context, pool *pgxpool.Pool, matchID, userID string, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	default:
	}
	reaction := int64(100 + rand.Intn(400))
	_, err := pool.Exec(ctx, `INSERT INTO tap_events (match_id, user_id, client_timestamp, server_timestamp, reaction_ms, is_valid)
	                          VALUES ($1,$2, (EXTRACT(EPOCH FROM now())*1000)::bigint, (EXTRACT(EPOCH FROM now())*1000)::bigint, $3, true)
	                          ON CONFLICT (match_id, user_id) DO NOTHING`, matchID, userID, reaction)
	return err
}

// ClaimRacer repeatedly attempts to flip a completed match's claim from unclaimed to
// claimed. Only one of N concurrent racers against the same match should ever succeed;
// the rest observe a zero row count.
func ClaimRacer(ctx context.Context, pool *pgxpool.Pool, matchID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tag, err := pool.Exec(ctx, `UPDATE matches SET claim_status='claimed' WHERE id=$1 AND claim_status='unclaimed'`, matchID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			var winnerWallet, loserWallet string
			if err := pool.QueryRow(ctx, `SELECT COALESCE(winner_wallet,''), COALESCE(loser_wallet,'') FROM matches WHERE id=$1`, matchID).Scan(&winnerWallet, &loserWallet); err != nil {
				return err
			}
			if winnerWallet != "" {
				if _, err := pool.Exec(ctx, `INSERT INTO ledger_entries (match_id, kind, amount, wallet) VALUES ($1,'payout',$2,$3)`,
					matchID, 0, winnerWallet); err != nil {
					return err
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// HeartbeatWriter pings a player's last-seen column under contention with the sweeper
// that would otherwise cancel the match for abandonment.
func HeartbeatWriter(ctx context.Context, pool *pgxpool.Pool, matchID, column string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE matches SET `+column+` = now() WHERE id=$1`, matchID)
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

func randomWallet() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 40)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return "0x" + string(b)
}
