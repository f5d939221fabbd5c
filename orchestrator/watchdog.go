package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"duelcore/matchfsm"
	"duelcore/store"
)

// watchdogRegistry tracks the per-match timers scheduled via
// time.AfterFunc, per the design note that countdowns and timeouts are
// scheduled, not waited on with a blocking sleep. A fired timer always
// re-checks the match's current status before acting, so a stale timer
// left over from an already-settled match is a harmless no-op.
type watchdogRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newWatchdogRegistry() *watchdogRegistry {
	return &watchdogRegistry{timers: make(map[string]*time.Timer)}
}

func (r *watchdogRegistry) set(key string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.timers[key]; ok {
		prior.Stop()
	}
	r.timers[key] = t
}

// scheduleReadyTimeout cancels a match that never reaches started
// within the ready-timeout window.
func (o *Orchestrator) scheduleReadyTimeoutImpl(matchID string, timeout time.Duration) {
	key := "ready:" + matchID
	t := time.AfterFunc(timeout, func() {
		ctx := context.Background()
		o.expireReadyTimeout(ctx, matchID)
	})
	o.watchdogs.set(key, t)
}

func (o *Orchestrator) expireReadyTimeout(ctx context.Context, matchID string) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin ready-timeout sweep for %s: %v", matchID, err)
		return
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		log.Printf("orchestrator: load match for ready-timeout %s: %v", matchID, err)
		return
	}
	if match.Status != string(matchfsm.Ready) {
		return
	}

	reason := "ready_timeout"
	if err := o.matches.SetStatus(ctx, tx, matchID, string(matchfsm.Cancelled), &reason); err != nil {
		log.Printf("orchestrator: cancel for ready-timeout %s: %v", matchID, err)
		return
	}
	if match.StakeAmount > 0 {
		if err := o.openRefunds(ctx, tx, matchID, reason); err != nil {
			log.Printf("orchestrator: open refunds for ready-timeout %s: %v", matchID, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("orchestrator: commit ready-timeout cancel %s: %v", matchID, err)
		return
	}
	match.Status = string(matchfsm.Cancelled)
	o.cleanupTerminal(ctx, match)
}

// scheduleTapWindow resolves a started match one-sided (or cancels it
// outright with no taps at all) once the tap window has elapsed without
// both players tapping.
func (o *Orchestrator) scheduleTapWindowImpl(matchID string, at time.Time) {
	key := "tap:" + matchID
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t := time.AfterFunc(d, func() {
		ctx := context.Background()
		o.expireTapWindow(ctx, matchID)
	})
	o.watchdogs.set(key, t)
}

func (o *Orchestrator) expireTapWindow(ctx context.Context, matchID string) {
	match, err := o.matches.Get(ctx, matchID)
	if err != nil {
		log.Printf("orchestrator: load match for tap-window sweep %s: %v", matchID, err)
		return
	}
	if match.Status != string(matchfsm.Started) {
		return
	}
	if match.Player1ReactionMS != nil && match.Player2ReactionMS != nil {
		return // both already tapped; settleOutcome already handled it
	}

	if match.Player1ReactionMS == nil && match.Player2ReactionMS == nil {
		o.cancelAbandoned(ctx, matchID, "tap_window_expired")
		return
	}

	p1Present := match.Player1ReactionMS != nil
	var present playerOutcome
	if p1Present {
		present = playerOutcome{Present: true, ReactionMS: *match.Player1ReactionMS, Disqualified: match.Player1Disqualified, Valid: !match.Player1Disqualified}
	} else {
		present = playerOutcome{Present: true, ReactionMS: *match.Player2ReactionMS, Disqualified: match.Player2Disqualified, Valid: !match.Player2Disqualified}
	}

	if err := o.settleOutcome(ctx, match, determineOneSided(present, p1Present)); err != nil {
		log.Printf("orchestrator: settle one-sided outcome for %s: %v", matchID, err)
	}
}

// cancelAbandoned cancels a non-terminal match and opens refunds on any
// linked stake, used by both the tap-window sweep and heartbeat-driven
// abandonment detection.
func (o *Orchestrator) cancelAbandoned(ctx context.Context, matchID, reason string) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin cancel abandoned %s: %v", matchID, err)
		return
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		log.Printf("orchestrator: load match for cancel abandoned %s: %v", matchID, err)
		return
	}
	if matchfsm.IsTerminal(matchfsm.State(match.Status)) {
		return
	}

	if err := o.matches.SetStatus(ctx, tx, matchID, string(matchfsm.Cancelled), &reason); err != nil {
		log.Printf("orchestrator: set cancelled for %s: %v", matchID, err)
		return
	}
	if match.StakeAmount > 0 {
		if err := o.openRefunds(ctx, tx, matchID, reason); err != nil {
			log.Printf("orchestrator: open refunds for cancelled %s: %v", matchID, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("orchestrator: commit cancel abandoned %s: %v", matchID, err)
		return
	}
	match.Status = string(matchfsm.Cancelled)
	o.cleanupTerminal(ctx, match)
}

// RunGCSweep cancels any non-terminal match older than maxAge. Run on a
// ticker (default every 5 minutes), never inline with a request.
func (o *Orchestrator) RunGCSweep(ctx context.Context, maxAge time.Duration) {
	stale, err := o.matches.ListNonTerminalOlderThan(ctx, maxAge)
	if err != nil {
		log.Printf("orchestrator: gc sweep list: %v", err)
		return
	}
	for _, m := range stale {
		o.cancelAbandoned(ctx, m.ID, "gc_sweep_stale")
	}
}

// RunClaimExpirySweep flips unclaimed winnings past their claim
// deadline to expired, at which point they are swept to treasury
// out-of-band.
func (o *Orchestrator) RunClaimExpirySweep(ctx context.Context) {
	expired, err := o.matches.ListUnclaimedPastDeadline(ctx)
	if err != nil {
		log.Printf("orchestrator: claim expiry sweep list: %v", err)
		return
	}
	for _, m := range expired {
		if err := o.expireClaim(ctx, m.ID); err != nil {
			log.Printf("orchestrator: expire claim for %s: %v", m.ID, err)
		}
	}
}

func (o *Orchestrator) expireClaim(ctx context.Context, matchID string) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return err
	}
	if match.ClaimStatus != "unclaimed" {
		return tx.Commit(ctx)
	}
	if err := o.matches.SetClaimStatus(ctx, tx, matchID, "expired"); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RunRefundSweep processes payment intents marked refund-eligible by
// calling the escrow client's cancel path and advancing refund_status.
func (o *Orchestrator) RunRefundSweep(ctx context.Context, batchSize int) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin refund sweep: %v", err)
		return
	}
	leased, err := o.intents.LeaseEligibleRefunds(ctx, tx, batchSize)
	if err != nil {
		tx.Rollback(ctx)
		log.Printf("orchestrator: lease eligible refunds: %v", err)
		return
	}
	for i := range leased {
		if err := o.intents.SetRefundStatus(ctx, tx, leased[i].ID, "processing"); err != nil {
			tx.Rollback(ctx)
			log.Printf("orchestrator: mark refund processing: %v", err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("orchestrator: commit refund lease: %v", err)
		return
	}

	for _, intent := range leased {
		o.processRefund(ctx, intent)
	}
}

func (o *Orchestrator) processRefund(ctx context.Context, intent store.PaymentIntent) {
	matchID := ""
	if intent.MatchID != nil {
		matchID = *intent.MatchID
	}
	status := "completed"
	if matchID != "" {
		if _, err := o.escrow.CancelMatch(ctx, matchID); err != nil {
			log.Printf("orchestrator: escrow cancel for refund %s: %v", intent.Reference, err)
			status = "failed"
		}
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin refund finalize %s: %v", intent.Reference, err)
		return
	}
	defer tx.Rollback(ctx)
	if err := o.intents.SetRefundStatus(ctx, tx, intent.ID, status); err != nil {
		log.Printf("orchestrator: set refund status %s: %v", intent.Reference, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Printf("orchestrator: commit refund finalize %s: %v", intent.Reference, err)
	}
}

func (w *watchdogRegistry) scheduleReadyTimeout(o *Orchestrator, matchID string, timeout time.Duration) {
	o.scheduleReadyTimeoutImpl(matchID, timeout)
}

func (w *watchdogRegistry) scheduleTapWindow(o *Orchestrator, matchID string, at time.Time) {
	o.scheduleTapWindowImpl(matchID, at)
}
