package orchestrator

import (
	"context"

	"github.com/jackc/pgx/v5"

	"duelcore/matchfsm"
	"duelcore/store"
)

// settleOutcome writes the full settlement for a started match whose
// outcome is decided (both taps in, or the tap window closed with only
// one tap): the completed row, ledger entries, rolling
// user stats, and — for staked matches with no winner — the refund
// pathway on both payment intents.
func (o *Orchestrator) settleOutcome(ctx context.Context, match store.Match, v verdict) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return errf("begin settle outcome", err)
	}
	defer tx.Rollback(ctx)

	locked, err := o.matches.GetForUpdate(ctx, tx, match.ID)
	if err != nil {
		return errf("lock match for settlement", err)
	}
	if locked.Status != string(matchfsm.Started) {
		return tx.Commit(ctx) // already settled by a concurrent caller
	}

	params := store.CompleteParams{
		Status:      string(matchfsm.Completed),
		ResultType:  v.ResultType,
		ClaimStatus: "expired",
	}

	staked := locked.StakeAmount > 0
	hasWinner := v.Winner != 0

	if hasWinner {
		var winnerID, loserID, winnerWallet, loserWallet string
		if v.Winner == 1 {
			winnerID, loserID = locked.Player1ID, locked.Player2ID
			winnerWallet, loserWallet = locked.Player1Wallet, locked.Player2Wallet
		} else {
			winnerID, loserID = locked.Player2ID, locked.Player1ID
			winnerWallet, loserWallet = locked.Player2Wallet, locked.Player1Wallet
		}
		params.WinnerID = &winnerID
		params.WinnerWallet = &winnerWallet
		params.LoserWallet = &loserWallet

		if staked {
			fee := feeFor(locked.StakeAmount, o.cfg.PlatformFeePercent)
			payout := roundCents(2*locked.StakeAmount - fee)
			params.FeeOwed = &fee
			params.ClaimStatus = "unclaimed"
			deadline := o.clock.Now().Add(o.cfg.ClaimWindow)
			params.ClaimDeadline = &deadline

			if err := o.ledger.Record(ctx, tx, locked.ID, "payout", payout, &winnerWallet); err != nil {
				return err
			}
			if err := o.ledger.Record(ctx, tx, locked.ID, "platform_fee", fee, nil); err != nil {
				return err
			}
		}

		if err := o.recordStats(ctx, tx, locked, winnerID, loserID); err != nil {
			return err
		}
	} else {
		if err := o.recordStats(ctx, tx, locked, "", ""); err != nil {
			return err
		}
	}

	if err := o.matches.Complete(ctx, tx, locked.ID, params); err != nil {
		return errf("complete match", err)
	}

	if staked && !hasWinner {
		if err := o.openRefunds(ctx, tx, locked.ID, v.ResultType); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errf("commit settlement", err)
	}

	locked.Status = string(matchfsm.Completed)
	o.cleanupTerminal(ctx, locked)
	return nil
}

// recordStats updates rolling win/loss/reaction stats for both
// players, skipping a side that was disqualified or never tapped so it
// does not distort the average. A tap slower than MaxReactionMS is
// still recorded.
// winnerID is empty when the match had no winner.
func (o *Orchestrator) recordStats(ctx context.Context, tx pgx.Tx, match store.Match, winnerID, _ string) error {
	if match.Player1ReactionMS != nil && !match.Player1Disqualified && *match.Player1ReactionMS >= 0 {
		if err := o.users.RecordMatchResult(ctx, tx, match.Player1ID, winnerID == match.Player1ID, *match.Player1ReactionMS); err != nil {
			return errf("record player1 stats", err)
		}
	}
	if match.Player2ReactionMS != nil && !match.Player2Disqualified && *match.Player2ReactionMS >= 0 {
		if err := o.users.RecordMatchResult(ctx, tx, match.Player2ID, winnerID == match.Player2ID, *match.Player2ReactionMS); err != nil {
			return errf("record player2 stats", err)
		}
	}
	return nil
}
