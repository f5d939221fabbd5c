// Package orchestrator is the per-match engine: pairing, funding,
// readiness, signal scheduling, tap recording, winner determination,
// and settlement handoff. It is the largest component, grounded on the
// teacher's agreement/match_acceptance.go and referral/matches.go for
// its locked-row transactional shape and on the duel-domain reference
// service for the lifecycle itself.
package orchestrator

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"duelcore/escrow"
	"duelcore/matchfsm"
	"duelcore/matchmaking"
	"duelcore/session"
	"duelcore/store"
	"duelcore/timing"
)

// Config bundles the orchestrator's tunables, sourced from config.Config.
type Config struct {
	SignalDelayMin     time.Duration
	SignalDelayMax     time.Duration
	CountdownDuration  time.Duration
	ClockSyncTolerance int64
	MaxWindowMS        int64
	MaxReactionMS      int64
	MinHumanReactionMS int64
	PlatformFeePercent float64
	ClaimWindow        time.Duration
	RefundWindow       time.Duration
	ReadyTimeout       time.Duration
	TapWindow          time.Duration
	MinFundingDuration time.Duration
	MaxHardReconnects  int
	StableConnection   time.Duration
	ActiveMatchTTL     time.Duration
	MatchmakingTimeout time.Duration
}

// Orchestrator is the match lifecycle engine.
type Orchestrator struct {
	pool     *pgxpool.Pool
	matches  *store.MatchRepository
	taps     *store.TapEventRepository
	intents  *store.PaymentIntentRepository
	users    *store.UserRepository
	ledger   *store.LedgerRepository
	findings *store.AntiCheatFindingRepository
	queue    *matchmaking.Queue
	session  *session.Coordinator
	escrow   escrow.Client
	clock    timing.Clock
	hub      *session.Hub
	cfg      Config

	watchdogs *watchdogRegistry
}

func New(
	pool *pgxpool.Pool,
	matches *store.MatchRepository,
	taps *store.TapEventRepository,
	intents *store.PaymentIntentRepository,
	users *store.UserRepository,
	ledger *store.LedgerRepository,
	findings *store.AntiCheatFindingRepository,
	queue *matchmaking.Queue,
	sess *session.Coordinator,
	escrowClient escrow.Client,
	clock timing.Clock,
	hub *session.Hub,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		pool: pool, matches: matches, taps: taps, intents: intents, users: users,
		ledger: ledger, findings: findings, queue: queue, session: sess, escrow: escrowClient,
		clock: clock, hub: hub, cfg: cfg, watchdogs: newWatchdogRegistry(),
	}
}

func newIdempotencyKey() string {
	return uuid.NewString()
}

// signalDelayFn is indirected so tests can pin the signal delay instead
// of drawing from crypto/rand.
var signalDelayFn = timing.SignalDelay

func logRejectedTransition(matchID string, createdAt time.Time, from, to matchfsm.State, reason string) {
	log.Printf("orchestrator: rejected transition %s->%s for %s: %s", from, to, matchfsm.CorrelationID(matchID, createdAt), reason)
}

func feeFor(stakeAmount, feePercent float64) float64 {
	pot := 2 * stakeAmount
	return roundCents(pot * feePercent / 100)
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// errf wraps an error with a consistent package prefix, matching the
// teacher's fmt.Errorf("pkg: verb: %w", err) idiom.
func errf(verb string, err error) error {
	return fmt.Errorf("orchestrator: %s: %w", verb, err)
}
