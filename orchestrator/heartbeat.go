package orchestrator

import (
	"context"
	"log"
	"time"

	"duelcore/matchfsm"
	"duelcore/session"
)

// Heartbeat records a liveness ping from userID and, if the match is
// waiting on both players to be ready, gives a just-reconnected player
// a chance to start the match immediately instead of waiting for the
// other side to call Ready again.
func (o *Orchestrator) Heartbeat(ctx context.Context, matchID, userID string) error {
	match, err := o.matches.Get(ctx, matchID)
	if err != nil {
		return errf("load match for heartbeat", err)
	}
	if !match.IsParticipant(userID) {
		return ErrNotParticipant
	}

	isPlayer1 := match.Player1ID == userID
	if err := o.matches.UpdateLastPing(ctx, matchID, isPlayer1, o.clock.Now()); err != nil {
		return errf("update last ping", err)
	}

	if match.Status == string(matchfsm.Ready) {
		if _, _, err := o.tryStart(ctx, matchID); err != nil {
			log.Printf("orchestrator: try start on heartbeat for %s: %v", matchID, err)
		}
	}
	return nil
}

// RunHeartbeatSweep declares abandonment on matches where neither
// player has pinged within the disconnect threshold. Every such match
// is cancelled with reason heartbeat_timeout and any linked stakes are
// opened for a full refund, whether or not the signal has been sent;
// the sweep never awards a win by disconnect.
func (o *Orchestrator) RunHeartbeatSweep(ctx context.Context, threshold time.Duration) {
	stale, err := o.matches.ListAbandonedByHeartbeat(ctx, threshold)
	if err != nil {
		log.Printf("orchestrator: heartbeat sweep list: %v", err)
		return
	}
	for _, m := range stale {
		o.cancelAbandoned(ctx, m.ID, "heartbeat_timeout")
	}
}

// Disconnect classifies a dropped connection and, for a hard
// disconnect inside an active match, applies the cancel-for-max-
// reconnects rule.
func (o *Orchestrator) Disconnect(ctx context.Context, matchID, userID string, connectedAt time.Time) {
	match, err := o.matches.Get(ctx, matchID)
	if err != nil {
		log.Printf("orchestrator: load match for disconnect %s: %v", matchID, err)
		return
	}
	if matchfsm.IsTerminal(matchfsm.State(match.Status)) {
		return
	}

	now := o.clock.Now()
	if session.ClassifyDisconnect(connectedAt, now, o.cfg.StableConnection) {
		return // early disconnect, does not count toward the hard counter
	}

	isPlayer1 := match.Player1ID == userID
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin disconnect count %s: %v", matchID, err)
		return
	}
	defer tx.Rollback(ctx)

	locked, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		log.Printf("orchestrator: lock match for disconnect %s: %v", matchID, err)
		return
	}
	count, err := o.matches.IncrementHardDisconnect(ctx, tx, matchID, isPlayer1)
	if err != nil {
		log.Printf("orchestrator: increment hard disconnect %s: %v", matchID, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("orchestrator: commit disconnect count %s: %v", matchID, err)
		return
	}

	anyoneReady := locked.Player1Ready || locked.Player2Ready
	signalSent := locked.GreenLightTime != nil
	matchAge := now.Sub(locked.CreatedAt)

	if session.ShouldCancelForReconnects(count, o.cfg.MaxHardReconnects, locked.Status, anyoneReady, signalSent, matchAge, o.cfg.MinFundingDuration) {
		o.cancelAbandoned(ctx, matchID, "max_hard_reconnects")
	}
}
