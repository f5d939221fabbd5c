package orchestrator

import (
	"context"
	"fmt"
	"log"

	"duelcore/anticheat"
	"duelcore/matchfsm"
	"duelcore/store"
)

// Tap records userID's first tap for matchID. A tap more than
// clockSyncToleranceMS early disqualifies the player outright; one more
// than MaxWindowMS late is rejected without being recorded at all.
// Duplicate taps return the original, unchanged outcome.
func (o *Orchestrator) Tap(ctx context.Context, matchID, userID string, clientTS *int64) (TapOutcome, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return TapOutcome{}, errf("begin tap", err)
	}
	defer tx.Rollback(ctx)

	match, err := o.matches.GetForUpdate(ctx, tx, matchID)
	if err != nil {
		return TapOutcome{}, errf("load match for tap", err)
	}
	if !match.IsParticipant(userID) {
		return TapOutcome{}, ErrNotParticipant
	}
	if match.Status != string(matchfsm.Started) || match.GreenLightTime == nil {
		return TapOutcome{}, fmt.Errorf("%w: match has not started", ErrPrecondition)
	}

	isPlayer1 := match.Player1ID == userID
	serverNow := o.clock.Now().UnixMilli()
	greenLight := *match.GreenLightTime
	rawReaction := serverNow - greenLight

	if rawReaction > o.cfg.MaxWindowMS {
		return TapOutcome{}, ErrWindowExpired
	}

	if rawReaction < -o.cfg.ClockSyncTolerance {
		tap, wasNew, err := o.taps.Insert(ctx, tx, store.InsertParams{
			MatchID: matchID, UserID: userID, ClientTimestamp: clientTS, ServerTimestamp: serverNow,
			ReactionMS: -1, IsValid: false, Disqualified: true, DisqualifyReason: strPtr("early_tap"),
		})
		if err != nil {
			return TapOutcome{}, errf("insert early tap", err)
		}
		if wasNew {
			if err := o.matches.SetPlayerReaction(ctx, tx, matchID, isPlayer1, tap.ReactionMS, true); err != nil {
				return TapOutcome{}, errf("record early tap reaction", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return TapOutcome{}, errf("commit early tap", err)
		}
		o.maybeFinish(ctx, matchID)
		return TapOutcome{Disqualified: true, Reason: "early_tap", ReactionMS: tap.ReactionMS}, nil
	}

	effectiveServerTap := serverNow
	if rawReaction < 0 {
		effectiveServerTap = greenLight // clamp to exactly 0ms, within clock-sync tolerance
	}

	result := anticheat.ValidateReaction(effectiveServerTap, greenLight, anticheat.Thresholds{
		MinHumanReactionMS: o.cfg.MinHumanReactionMS,
		MaxReactionMS:      o.cfg.MaxReactionMS,
	})

	if clientTS != nil {
		clientReaction := *clientTS - greenLight
		if anticheat.CheckTimingDiscrepancy(clientReaction, result.ReactionMS) {
			return TapOutcome{}, ErrTimingDiscrepancy
		}
	}

	var reason *string
	if result.Reason != "" {
		r := string(result.Reason)
		reason = &r
	}

	tap, wasNew, err := o.taps.Insert(ctx, tx, store.InsertParams{
		MatchID: matchID, UserID: userID, ClientTimestamp: clientTS, ServerTimestamp: serverNow,
		ReactionMS: result.ReactionMS, IsValid: result.Valid, Disqualified: false, DisqualifyReason: reason,
	})
	if err != nil {
		return TapOutcome{}, errf("insert tap", err)
	}
	if wasNew {
		if err := o.matches.SetPlayerReaction(ctx, tx, matchID, isPlayer1, tap.ReactionMS, false); err != nil {
			return TapOutcome{}, errf("record tap reaction", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return TapOutcome{}, errf("commit tap", err)
	}

	if wasNew && result.Suspicious {
		if err := o.findings.Append(ctx, userID, &matchID, "suspicious_reaction", fmt.Sprintf("reaction_ms=%d", tap.ReactionMS)); err != nil {
			log.Printf("orchestrator: append anticheat finding: %v", err)
		}
	}

	completed := o.maybeFinish(ctx, matchID)
	return TapOutcome{ReactionMS: tap.ReactionMS, IsValid: tap.IsValid, Completed: completed}, nil
}

// maybeFinish checks whether both players have now tapped and, if so,
// determines the winner and settles the match. Errors are logged, not
// propagated, since the tap itself already committed successfully.
func (o *Orchestrator) maybeFinish(ctx context.Context, matchID string) bool {
	match, err := o.matches.Get(ctx, matchID)
	if err != nil {
		log.Printf("orchestrator: reload match after tap %s: %v", matchID, err)
		return false
	}
	if match.Player1ReactionMS == nil || match.Player2ReactionMS == nil {
		return false
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		log.Printf("orchestrator: begin read taps for %s: %v", matchID, err)
		return false
	}
	defer tx.Rollback(ctx)

	taps, err := o.taps.ListForMatch(ctx, tx, matchID)
	if err != nil {
		log.Printf("orchestrator: list taps for %s: %v", matchID, err)
		return false
	}

	var p1, p2 playerOutcome
	for _, t := range taps {
		outcome := playerOutcome{Present: true, ReactionMS: t.ReactionMS, Disqualified: t.Disqualified, Valid: t.IsValid}
		if t.UserID == match.Player1ID {
			p1 = outcome
		} else {
			p2 = outcome
		}
	}
	if !p1.Present || !p2.Present {
		return false
	}

	if err := o.settleOutcome(ctx, match, determineWinner(p1, p2)); err != nil {
		log.Printf("orchestrator: settle outcome for %s: %v", matchID, err)
		return false
	}
	return true
}

func strPtr(s string) *string { return &s }
