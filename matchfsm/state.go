// Package matchfsm is the pure match-lifecycle state machine: the
// table of valid transitions, the guards gating each one, and the
// correlation id used to trace a rejected transition back to its
// match. It holds no storage handle of its own — callers lock the
// match row, load its current fields, and ask this package whether a
// transition is allowed before writing it back.
package matchfsm

import (
	"errors"
	"fmt"
	"time"
)

// State is one of the match lifecycle's tagged states.
type State string

const (
	Matched   State = "matched"
	Funding   State = "funding"
	Ready     State = "ready"
	Started   State = "started"
	Completed State = "completed"
	Cancelled State = "cancelled"
	Refunded  State = "refunded"
)

// ErrInvalidTransition signals a transition attempt outside the table.
var ErrInvalidTransition = errors.New("matchfsm: invalid transition")

var transitions = map[State]map[State]bool{
	Matched: {Funding: true, Cancelled: true},
	Funding: {Ready: true, Cancelled: true, Refunded: true},
	Ready:   {Started: true, Cancelled: true, Refunded: true},
	Started: {Completed: true, Cancelled: true, Refunded: true},
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool {
	switch s {
	case Completed, Cancelled, Refunded:
		return true
	default:
		return false
	}
}

// Validate reports whether from->to is in the transition table. It
// performs no guard evaluation — guards are checked by the caller
// before calling Validate, since most guards need state this package
// does not hold (escrow status, connection liveness).
func Validate(from, to State) error {
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Guard is a named precondition check result.
type Guard struct {
	Name   string
	Passed bool
	Reason string
}

// CheckMatchedToFunding: non-zero stake required; free matches skip to
// ready directly and never call this guard.
func CheckMatchedToFunding(stakeAmount float64) Guard {
	if stakeAmount <= 0 {
		return Guard{Name: "non_zero_stake", Passed: false, Reason: "free match skips funding"}
	}
	return Guard{Name: "non_zero_stake", Passed: true}
}

// CheckFundingToReady: both stake flags set and escrow verified with
// an amount within tolerance of expected, not already completed or
// cancelled on the escrow side.
func CheckFundingToReady(player1Staked, player2Staked bool, escrowVerified bool) Guard {
	if !player1Staked || !player2Staked {
		return Guard{Name: "both_staked", Passed: false, Reason: "waiting for both stakes"}
	}
	if !escrowVerified {
		return Guard{Name: "escrow_verified", Passed: false, Reason: "escrow_verification_failed"}
	}
	return Guard{Name: "escrow_verified", Passed: true}
}

// CheckReadyToStarted: both ready flags and both connections live.
func CheckReadyToStarted(player1Ready, player2Ready, bothConnectionsLive bool) Guard {
	if !player1Ready || !player2Ready {
		return Guard{Name: "both_ready", Passed: false, Reason: "waiting for both players ready"}
	}
	if !bothConnectionsLive {
		return Guard{Name: "connections_live", Passed: false, Reason: "a player is disconnected"}
	}
	return Guard{Name: "connections_live", Passed: true}
}

// CheckRefundable: any->refunded requires the escrow record to exist.
func CheckRefundable(escrowExists bool) Guard {
	if !escrowExists {
		return Guard{Name: "escrow_exists", Passed: false, Reason: "no escrow record to refund"}
	}
	return Guard{Name: "escrow_exists", Passed: true}
}

// CorrelationID derives a tracing id from (match_id, creation_time),
// logged on every rejected transition.
func CorrelationID(matchID string, createdAt time.Time) string {
	return fmt.Sprintf("%s@%d", matchID, createdAt.UnixMilli())
}
