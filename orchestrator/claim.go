package orchestrator

import (
	"context"
	"fmt"

	"duelcore/matchfsm"
	"duelcore/store"
)

// Claim pays out a completed match's winner via the escrow complete-
// match call and marks the claim consumed. The orchestrator never
// dispatches funds automatically on completion — settlement is always
// a separate, explicit claim within the claim window.
func (o *Orchestrator) Claim(ctx context.Context, matchID, userID string) (store.Match, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return store.Match{}, errf("begin claim", err)
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return store.Match{}, errf("load match for claim", err)
	}
	if match.Status != string(matchfsm.Completed) {
		return store.Match{}, fmt.Errorf("%w: match is not completed", ErrPrecondition)
	}
	if match.WinnerID == nil || *match.WinnerID != userID {
		return store.Match{}, ErrNotParticipant
	}
	if match.ClaimStatus != "unclaimed" {
		return store.Match{}, ErrAlreadyClaimed
	}
	if match.ClaimDeadline != nil && !o.clock.Now().Before(*match.ClaimDeadline) {
		return store.Match{}, ErrAlreadyClaimed
	}

	if err := o.matches.SetClaimStatus(ctx, tx, matchID, "claimed"); err != nil {
		return store.Match{}, errf("mark claimed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Match{}, errf("commit claim", err)
	}
	match.ClaimStatus = "claimed"

	if match.WinnerWallet != nil {
		if _, err := o.escrow.CompleteMatch(ctx, matchID, *match.WinnerWallet); err != nil {
			return store.Match{}, errf("escrow complete match", err)
		}
	}
	return match, nil
}
