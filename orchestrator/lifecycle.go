package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"duelcore/matchfsm"
	"duelcore/matchmaking"
	"duelcore/store"
)

// Enqueue pairs userID against the oldest compatible waiting ticket, or
// parks a new ticket if none is available. A pairing and the resulting
// match row are created inside one transaction so a crash between the
// two never leaves a queue entry pointing at a match that doesn't exist.
func (o *Orchestrator) Enqueue(ctx context.Context, userID, wallet string, stake float64) (EnqueueResult, error) {
	hasActive, err := o.session.HasActiveMatch(ctx, userID)
	if err != nil {
		return EnqueueResult{}, errf("check active match", err)
	}
	if hasActive {
		return EnqueueResult{}, matchmaking.ErrActiveMatch
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return EnqueueResult{}, errf("begin enqueue", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	candidate, found, err := o.queue.FindMatch(ctx, tx, userID, stake)
	if err != nil {
		return EnqueueResult{}, errf("find match", err)
	}
	if !found {
		tx.Rollback(ctx)
		committed = true
		if _, err := o.queue.Enqueue(ctx, userID, stake); err != nil {
			return EnqueueResult{}, errf("enqueue ticket", err)
		}
		return EnqueueResult{Status: "searching"}, nil
	}

	if err := o.queue.MarkMatched(ctx, tx, candidate.ID); err != nil {
		return EnqueueResult{}, errf("mark candidate matched", err)
	}

	candidateUser, err := o.users.GetByID(ctx, candidate.UserID)
	if err != nil {
		return EnqueueResult{}, errf("load candidate wallet", err)
	}

	match, err := o.matches.CreateFromQueue(ctx, tx, store.CreateMatchParams{
		IdempotencyKey: newIdempotencyKey(),
		Player1ID:      candidate.UserID,
		Player2ID:      userID,
		Player1Wallet:  candidateUser.WalletAddress,
		Player2Wallet:  wallet,
		StakeAmount:    stake,
	})
	if err != nil {
		return EnqueueResult{}, errf("create match", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return EnqueueResult{}, errf("commit match creation", err)
	}
	committed = true

	if err := o.session.SetActiveMatch(ctx, match.Player1ID, match.ID, o.cfg.ActiveMatchTTL); err != nil {
		log.Printf("orchestrator: set active match for player1 %s: %v", match.ID, err)
	}
	if err := o.session.SetActiveMatch(ctx, match.Player2ID, match.ID, o.cfg.ActiveMatchTTL); err != nil {
		log.Printf("orchestrator: set active match for player2 %s: %v", match.ID, err)
	}

	if stake > 0 {
		if _, err := o.escrow.CreateMatch(ctx, match.ID, match.Player1Wallet, match.Player2Wallet, stake); err != nil {
			log.Printf("orchestrator: escrow create match %s: %v", match.ID, err)
		}
	}

	return EnqueueResult{Status: "matched", MatchID: match.ID}, nil
}

// CancelQueue withdraws a user's own waiting ticket.
func (o *Orchestrator) CancelQueue(ctx context.Context, userID string, stake float64) error {
	return o.queue.Cancel(ctx, o.pool, userID, stake)
}

// ConfirmStake links a confirmed payment intent to a funding match and,
// once both players have staked, verifies the deposit with the escrow
// client before advancing to ready. An escrow failure cancels the match
// and opens a refund pathway rather than leaving it stuck in funding.
func (o *Orchestrator) ConfirmStake(ctx context.Context, matchID, userID, reference string) (store.Match, error) {
	match, bothStaked, isPlayer1, err := o.linkStake(ctx, matchID, userID, reference)
	if err != nil {
		return store.Match{}, err
	}
	_ = isPlayer1
	if !bothStaked {
		return match, nil
	}
	return o.settleFunding(ctx, matchID)
}

func (o *Orchestrator) linkStake(ctx context.Context, matchID, userID, reference string) (match store.Match, bothStaked bool, isPlayer1 bool, err error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return store.Match{}, false, false, errf("begin confirm stake", err)
	}
	defer tx.Rollback(ctx)

	match, err = o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return store.Match{}, false, false, errf("load match", err)
	}
	if !match.IsParticipant(userID) {
		return store.Match{}, false, false, ErrNotParticipant
	}
	if match.Status != string(matchfsm.Funding) {
		return store.Match{}, false, false, fmt.Errorf("%w: match is %s, not funding", ErrPrecondition, match.Status)
	}

	intent, err := o.intents.GetForUpdateByReference(ctx, tx, reference)
	if err != nil {
		return store.Match{}, false, false, errf("load payment intent", err)
	}
	if intent.OwnerUserID != userID {
		return store.Match{}, false, false, ErrNotParticipant
	}
	if intent.NormalizedStatus != "confirmed" {
		return store.Match{}, false, false, fmt.Errorf("%w: payment intent is %s, not confirmed", ErrPrecondition, intent.NormalizedStatus)
	}
	if intent.MatchID != nil && *intent.MatchID != matchID {
		return store.Match{}, false, false, fmt.Errorf("%w: payment intent already linked to another match", ErrPrecondition)
	}
	if intent.MatchID == nil {
		if err := o.intents.LinkToMatch(ctx, tx, intent.ID, matchID); err != nil {
			return store.Match{}, false, false, errf("link payment intent", err)
		}
	}

	isPlayer1 = match.Player1ID == userID
	if err := o.matches.SetPlayerStaked(ctx, tx, matchID, isPlayer1); err != nil {
		return store.Match{}, false, false, errf("set player staked", err)
	}

	player1Staked := match.Player1Staked || isPlayer1
	player2Staked := match.Player2Staked || !isPlayer1

	if err := tx.Commit(ctx); err != nil {
		return store.Match{}, false, false, errf("commit confirm stake", err)
	}

	match.Player1Staked, match.Player2Staked = player1Staked, player2Staked
	return match, player1Staked && player2Staked, isPlayer1, nil
}

// settleFunding verifies the escrow deposit and transitions the match
// out of funding, called once both stake flags are set.
func (o *Orchestrator) settleFunding(ctx context.Context, matchID string) (store.Match, error) {
	stakeStatus, escrowErr := o.escrow.VerifyStakeStatus(ctx, matchID)
	escrowVerified := escrowErr == nil && stakeStatus.Player1Staked && stakeStatus.Player2Staked
	record, recordErr := o.escrow.GetMatch(ctx, matchID)
	if recordErr != nil || record == nil || record.Completed || record.Cancelled {
		escrowVerified = false
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return store.Match{}, errf("begin settle funding", err)
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return store.Match{}, errf("reload match", err)
	}
	if match.Status != string(matchfsm.Funding) {
		if err := tx.Commit(ctx); err != nil {
			return store.Match{}, errf("commit settle funding no-op", err)
		}
		return match, nil
	}
	if escrowVerified && math.Abs(record.StakeAmount-match.StakeAmount) > 0.001 {
		escrowVerified = false
	}

	guard := matchfsm.CheckFundingToReady(match.Player1Staked, match.Player2Staked, escrowVerified)
	if !guard.Passed {
		logRejectedTransition(match.ID, match.CreatedAt, matchfsm.Funding, matchfsm.Ready, guard.Reason)
		if err := matchfsm.Validate(matchfsm.Funding, matchfsm.Cancelled); err != nil {
			return store.Match{}, errf("validate cancel transition", err)
		}
		reason := "escrow_verification_failed"
		if err := o.matches.SetStatus(ctx, tx, matchID, string(matchfsm.Cancelled), &reason); err != nil {
			return store.Match{}, errf("cancel match", err)
		}
		if err := o.openRefunds(ctx, tx, matchID, reason); err != nil {
			return store.Match{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return store.Match{}, errf("commit cancel funding", err)
		}
		match.Status = string(matchfsm.Cancelled)
		o.cleanupTerminal(ctx, match)
		return match, nil
	}

	if err := matchfsm.Validate(matchfsm.Funding, matchfsm.Ready); err != nil {
		return store.Match{}, errf("validate funding to ready", err)
	}
	if err := o.matches.SetStatus(ctx, tx, matchID, string(matchfsm.Ready), nil); err != nil {
		return store.Match{}, errf("advance to ready", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Match{}, errf("commit advance to ready", err)
	}
	match.Status = string(matchfsm.Ready)

	o.watchdogs.scheduleReadyTimeout(o, match.ID, o.cfg.ReadyTimeout)
	return match, nil
}

// refundWithFeeReasons carries spec.md's refund-with-fee path: a
// cancellation caused by a player's own misconduct (both sides
// disqualified, or one side repeatedly dropping the connection) still
// withholds the platform's cut from each side's deposit, unlike a
// blameless cancellation (ready timeout, escrow failure, heartbeat
// silence), which refunds in full.
var refundWithFeeReasons = map[string]bool{
	"both_disqualified":   true,
	"max_hard_reconnects": true,
}

// openRefunds marks every payment intent linked to matchID eligible for
// refund, called whenever a staked match is cancelled or ends without a
// clean settlement. Most reasons refund the deposit in full; reasons in
// refundWithFeeReasons withhold PlatformFeePercent of each deposit.
func (o *Orchestrator) openRefunds(ctx context.Context, tx pgx.Tx, matchID, reason string) error {
	linked, err := o.intents.ListForMatch(ctx, tx, matchID)
	if err != nil {
		return errf("list intents for refund", err)
	}
	deadline := o.clock.Now().Add(o.cfg.RefundWindow)
	withFee := refundWithFeeReasons[reason]
	for _, intent := range linked {
		amount := intent.Amount
		if withFee {
			fee := roundCents(intent.Amount * o.cfg.PlatformFeePercent / 100)
			amount = roundCents(intent.Amount - fee)
			if err := o.ledger.Record(ctx, tx, matchID, "platform_fee", fee, nil); err != nil {
				return errf("record refund fee", err)
			}
		}
		if err := o.intents.MarkRefundEligible(ctx, tx, intent.ID, amount, deadline, reason); err != nil {
			return errf("mark refund eligible", err)
		}
	}
	return nil
}

// Ready records userID's readiness and, once both players are ready and
// both connections are live, schedules the random signal delay and
// transitions the match to started.
func (o *Orchestrator) Ready(ctx context.Context, matchID, userID string) (store.Match, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return store.Match{}, errf("begin ready", err)
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return store.Match{}, errf("load match", err)
	}
	if !match.IsParticipant(userID) {
		return store.Match{}, ErrNotParticipant
	}
	if match.Status != string(matchfsm.Ready) {
		return store.Match{}, fmt.Errorf("%w: match is %s, not ready", ErrPrecondition, match.Status)
	}

	isPlayer1 := match.Player1ID == userID
	if err := o.matches.SetPlayerReady(ctx, tx, matchID, isPlayer1, o.clock.Now()); err != nil {
		return store.Match{}, errf("set player ready", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Match{}, errf("commit ready", err)
	}

	if isPlayer1 {
		match.Player1Ready = true
	} else {
		match.Player2Ready = true
	}

	if match.Player1Ready && match.Player2Ready {
		started, startedMatch, err := o.tryStart(ctx, matchID)
		if err != nil {
			return store.Match{}, err
		}
		if started {
			return startedMatch, nil
		}
	}
	return match, nil
}

// tryStart attempts the ready->started transition. It is safe to call
// repeatedly (from Ready and from reconnect handling) and is a no-op
// unless both ready flags are set and both connections are live.
func (o *Orchestrator) tryStart(ctx context.Context, matchID string) (bool, store.Match, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return false, store.Match{}, errf("begin try start", err)
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return false, store.Match{}, errf("load match for start", err)
	}
	if match.Status != string(matchfsm.Ready) {
		return false, match, nil
	}

	bothLive := o.hub.IsLive(match.Player1ID) && o.hub.IsLive(match.Player2ID)
	guard := matchfsm.CheckReadyToStarted(match.Player1Ready, match.Player2Ready, bothLive)
	if !guard.Passed {
		return false, match, nil
	}

	delay, err := o.signalDelay()
	if err != nil {
		return false, store.Match{}, errf("generate signal delay", err)
	}
	greenLightTime := o.clock.Now().Add(o.cfg.CountdownDuration).Add(delay).UnixMilli()

	if err := matchfsm.Validate(matchfsm.Ready, matchfsm.Started); err != nil {
		return false, store.Match{}, errf("validate ready to started", err)
	}
	won, err := o.matches.SetGreenLightAndStart(ctx, tx, matchID, greenLightTime)
	if err != nil {
		return false, store.Match{}, errf("set green light", err)
	}
	if !won {
		// another caller already won the race; nothing to do.
		return false, match, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, store.Match{}, errf("commit start", err)
	}

	match.Status = string(matchfsm.Started)
	match.GreenLightTime = &greenLightTime

	o.watchdogs.scheduleTapWindow(o, matchID, time.UnixMilli(greenLightTime).Add(o.cfg.TapWindow))
	return true, match, nil
}

func (o *Orchestrator) signalDelay() (time.Duration, error) {
	return signalDelayFn(o.cfg.SignalDelayMin, o.cfg.SignalDelayMax)
}

// GetState reports the match's lifecycle status and, once started, the
// derived countdown sub-state. Callers must send a no-store
// Cache-Control header alongside the JSON body.
func (o *Orchestrator) GetState(ctx context.Context, matchID, userID string) (StateView, error) {
	match, err := o.matches.Get(ctx, matchID)
	if err != nil {
		return StateView{}, errf("load match state", err)
	}
	if !match.IsParticipant(userID) {
		return StateView{}, ErrNotParticipant
	}

	view := StateView{MatchID: match.ID, Status: match.Status, GreenLightTime: match.GreenLightTime}
	if match.Status != string(matchfsm.Started) || match.GreenLightTime == nil {
		return view, nil
	}

	deltaMS := *match.GreenLightTime - o.clock.Now().UnixMilli()
	switch {
	case deltaMS > o.cfg.CountdownDuration.Milliseconds():
		view.SubState = "waiting_for_go"
	case deltaMS > 0:
		view.SubState = "countdown"
		view.CountdownSeconds = int(math.Ceil(float64(deltaMS) / 1000))
	default:
		view.SubState = "go"
	}
	return view, nil
}

// cleanupTerminal releases the active-match gate for both players once
// a match reaches a terminal state, so they may enqueue again.
func (o *Orchestrator) cleanupTerminal(ctx context.Context, match store.Match) {
	if !matchfsm.IsTerminal(matchfsm.State(match.Status)) {
		return
	}
	if err := o.session.ClearActiveMatch(ctx, match.Player1ID); err != nil {
		log.Printf("orchestrator: clear active match for player1 %s: %v", match.ID, err)
	}
	if err := o.session.ClearActiveMatch(ctx, match.Player2ID); err != nil {
		log.Printf("orchestrator: clear active match for player2 %s: %v", match.ID, err)
	}
}
