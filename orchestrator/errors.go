package orchestrator

import "errors"

var (
	// ErrNotParticipant signals the caller is not one of the match's
	// two players.
	ErrNotParticipant = errors.New("orchestrator: caller is not a participant in this match")
	// ErrPrecondition signals the match or payment intent is not in a
	// state that permits the requested operation. Callers map this to
	// HTTP 409 without altering any state.
	ErrPrecondition = errors.New("orchestrator: precondition failed")
	// ErrWindowExpired signals a tap arrived after the hard tap window.
	ErrWindowExpired = errors.New("orchestrator: tap window expired")
	// ErrTimingDiscrepancy signals the client-reported timestamp
	// disagreed with the server's by more than the allowed tolerance.
	ErrTimingDiscrepancy = errors.New("orchestrator: client/server timing discrepancy")
	// ErrAlreadyClaimed signals a claim attempt on a non-unclaimed match.
	ErrAlreadyClaimed = errors.New("orchestrator: winnings already claimed or expired")
)
