package orchestrator

// tieThreshold is the reaction-time delta, in milliseconds, at or under
// which two taps are scored a tie rather than a win.
const tieThreshold = 1

// playerOutcome is the minimal shape determineWinner needs from a
// match's two (at most) tap events.
type playerOutcome struct {
	Present      bool
	ReactionMS   int64
	Disqualified bool
	Valid        bool
}

// verdict is determineWinner's result: winner is 0 (none), 1, or 2.
type verdict struct {
	Winner     int
	ResultType string
}

// determineWinner applies the winner-determination table once both
// taps have arrived.
func determineWinner(p1, p2 playerOutcome) verdict {
	delta := p1.ReactionMS - p2.ReactionMS
	if delta < 0 {
		delta = -delta
	}

	switch {
	case p1.Disqualified && p2.Disqualified:
		return verdict{0, "both_disqualified"}
	case p1.Disqualified:
		return verdict{2, "player1_disqualified"}
	case p2.Disqualified:
		return verdict{1, "player2_disqualified"}
	case !p1.Valid && !p2.Valid:
		switch {
		case delta <= tieThreshold:
			return verdict{0, "both_timeout_tie"}
		case p1.ReactionMS < p2.ReactionMS:
			return verdict{1, "player1_slow_win"}
		default:
			return verdict{2, "player2_slow_win"}
		}
	case !p1.Valid:
		return verdict{2, "player1_timeout"}
	case !p2.Valid:
		return verdict{1, "player2_timeout"}
	case delta <= tieThreshold:
		return verdict{0, "tie"}
	case p1.ReactionMS < p2.ReactionMS:
		return verdict{1, "normal_win"}
	default:
		return verdict{2, "normal_win"}
	}
}

// determineOneSided resolves a match where only one player ever tapped,
// invoked once the tap window has elapsed.
func determineOneSided(present playerOutcome, presentIsPlayer1 bool) verdict {
	if present.Disqualified {
		return verdict{0, "both_timeout_tie"}
	}
	if presentIsPlayer1 {
		return verdict{1, "player2_timeout"}
	}
	return verdict{2, "player1_timeout"}
}
