package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMatchNotFound signals the requested match does not exist.
var ErrMatchNotFound = errors.New("store: match not found")

// Match is the central entity of the data model: lifecycle status,
// per-player readiness/stake/reaction state, and settlement fields.
type Match struct {
	ID             string
	IdempotencyKey *string
	Player1ID      string
	Player2ID      string
	Player1Wallet  string
	Player2Wallet  string
	StakeAmount    float64

	Status          string
	GreenLightTime  *int64
	SignalTimestamp *int64
	WinnerID        *string
	ResultType      *string
	CompletedAt     *time.Time

	Player1Ready   bool
	Player2Ready   bool
	Player1ReadyAt *time.Time
	Player2ReadyAt *time.Time
	Player1Staked  bool
	Player2Staked  bool

	Player1ReactionMS    *int64
	Player2ReactionMS    *int64
	Player1Disqualified  bool
	Player2Disqualified  bool

	FeeOwed       *float64
	ClaimStatus   string
	ClaimDeadline *time.Time
	WinnerWallet  *string
	LoserWallet   *string

	Player1LastPing         *time.Time
	Player2LastPing         *time.Time
	Player1HardDisconnects  int
	Player2HardDisconnects  int
	CancelReason            *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsParticipant reports whether userID is one of the two players.
func (m Match) IsParticipant(userID string) bool {
	return m.Player1ID == userID || m.Player2ID == userID
}

// IsTerminal reports whether the match cannot transition further.
func (m Match) IsTerminal() bool {
	switch m.Status {
	case "completed", "cancelled", "refunded":
		return true
	default:
		return false
	}
}

const matchColumns = `
	id, idempotency_key, player1_id, player2_id, player1_wallet, player2_wallet, stake_amount,
	status, green_light_time, signal_timestamp, winner_id, result_type, completed_at,
	player1_ready, player2_ready, player1_ready_at, player2_ready_at, player1_staked, player2_staked,
	player1_reaction_ms, player2_reaction_ms, player1_disqualified, player2_disqualified,
	fee_owed, claim_status, claim_deadline, winner_wallet, loser_wallet,
	player1_last_ping, player2_last_ping, player1_hard_disconnects, player2_hard_disconnects, cancel_reason,
	created_at, updated_at
`

// MatchRepository provides transactional access to the matches table.
type MatchRepository struct {
	pool *pgxpool.Pool
}

func NewMatchRepository(pool *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// CreateMatchParams carries the wallet snapshots and stake frozen at
// match creation time.
type CreateMatchParams struct {
	IdempotencyKey string
	Player1ID      string
	Player2ID      string
	Player1Wallet  string
	Player2Wallet  string
	StakeAmount    float64
}

// CreateFromQueue inserts a new match row, or returns the existing one
// when idempotencyKey was already used. Must run inside the same
// transaction the caller uses to pop the matched queue entries.
func (r *MatchRepository) CreateFromQueue(ctx context.Context, tx pgx.Tx, params CreateMatchParams) (Match, error) {
	if params.IdempotencyKey != "" {
		existing, err := r.getByIdempotencyKeyTx(ctx, tx, params.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrMatchNotFound) {
			return Match{}, err
		}
	}

	status := "funding"
	if params.StakeAmount == 0 {
		status = "ready"
	}

	q := `INSERT INTO matches (idempotency_key, player1_id, player2_id, player1_wallet, player2_wallet, stake_amount, status)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7)
		RETURNING ` + matchColumns

	m, err := scanMatch(tx.QueryRow(ctx, q,
		params.IdempotencyKey, params.Player1ID, params.Player2ID,
		params.Player1Wallet, params.Player2Wallet, params.StakeAmount, status,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.getByIdempotencyKeyTx(ctx, tx, params.IdempotencyKey)
		}
		return Match{}, fmt.Errorf("store: create match: %w", err)
	}

	if params.IdempotencyKey != "" {
		const keyQ = `INSERT INTO match_idempotency_keys (idempotency_key, match_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		if _, err := tx.Exec(ctx, keyQ, params.IdempotencyKey, m.ID); err != nil {
			return Match{}, fmt.Errorf("store: record match idempotency key: %w", err)
		}
	}

	return m, nil
}

func (r *MatchRepository) getByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE idempotency_key = $1`
	m, err := scanMatch(tx.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("store: lookup match by idempotency key: %w", err)
	}
	return m, nil
}

// Get fetches a match without locking, for read-only endpoints like
// state polling and match history.
func (r *MatchRepository) Get(ctx context.Context, id string) (Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`
	m, err := scanMatch(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("store: get match: %w", err)
	}
	return m, nil
}

// GetForUpdate locks the match row for the lifetime of tx, serializing
// all concurrent transitions on this match.
func (r *MatchRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1 FOR UPDATE`
	m, err := scanMatch(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("store: get match for update: %w", err)
	}
	return m, nil
}

// SetStatus transitions the match's status and, for terminal
// transitions, records the cancel reason. Caller must hold the row
// lock from GetForUpdate.
func (r *MatchRepository) SetStatus(ctx context.Context, tx pgx.Tx, id, status string, cancelReason *string) error {
	const q = `UPDATE matches SET status = $2, cancel_reason = COALESCE($3, cancel_reason), updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status, cancelReason); err != nil {
		return fmt.Errorf("store: set match status: %w", err)
	}
	return nil
}

// SetPlayerStaked flips one player's stake-confirmed flag.
func (r *MatchRepository) SetPlayerStaked(ctx context.Context, tx pgx.Tx, id string, isPlayer1 bool) error {
	col := "player2_staked"
	if isPlayer1 {
		col = "player1_staked"
	}
	q := fmt.Sprintf(`UPDATE matches SET %s = true, updated_at = now() WHERE id = $1`, col)
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: set player staked: %w", err)
	}
	return nil
}

// SetPlayerReady flips one player's ready flag and ready timestamp.
func (r *MatchRepository) SetPlayerReady(ctx context.Context, tx pgx.Tx, id string, isPlayer1 bool, at time.Time) error {
	readyCol, tsCol := "player2_ready", "player2_ready_at"
	if isPlayer1 {
		readyCol, tsCol = "player1_ready", "player1_ready_at"
	}
	q := fmt.Sprintf(`UPDATE matches SET %s = true, %s = $2, updated_at = now() WHERE id = $1`, readyCol, tsCol)
	if _, err := tx.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("store: set player ready: %w", err)
	}
	return nil
}

// SetGreenLightAndStart persists green_light_time exactly once and
// advances status to started. A no-op WHERE guard enforces the
// set-exactly-once invariant even under a race.
func (r *MatchRepository) SetGreenLightAndStart(ctx context.Context, tx pgx.Tx, id string, greenLightTime int64) (bool, error) {
	const q = `
		UPDATE matches SET green_light_time = $2, status = 'started', updated_at = now()
		WHERE id = $1 AND green_light_time IS NULL
	`
	tag, err := tx.Exec(ctx, q, id, greenLightTime)
	if err != nil {
		return false, fmt.Errorf("store: set green light time: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPlayerReaction stores the denormalized per-player reaction/
// disqualification fields alongside the canonical TapEvent row.
func (r *MatchRepository) SetPlayerReaction(ctx context.Context, tx pgx.Tx, id string, isPlayer1 bool, reactionMS int64, disqualified bool) error {
	reactCol, dqCol := "player2_reaction_ms", "player2_disqualified"
	if isPlayer1 {
		reactCol, dqCol = "player1_reaction_ms", "player1_disqualified"
	}
	q := fmt.Sprintf(`UPDATE matches SET %s = $2, %s = $3, updated_at = now() WHERE id = $1`, reactCol, dqCol)
	if _, err := tx.Exec(ctx, q, id, reactionMS, disqualified); err != nil {
		return fmt.Errorf("store: set player reaction: %w", err)
	}
	return nil
}

// CompleteParams carries the settlement fields written atomically when
// a match reaches a terminal state with a determined outcome.
type CompleteParams struct {
	Status        string
	WinnerID      *string
	ResultType    string
	FeeOwed       *float64
	WinnerWallet  *string
	LoserWallet   *string
	ClaimStatus   string
	ClaimDeadline *time.Time
}

// Complete writes the full settlement outcome and marks the match
// terminal in one statement.
func (r *MatchRepository) Complete(ctx context.Context, tx pgx.Tx, id string, p CompleteParams) error {
	const q = `
		UPDATE matches SET
			status = $2, winner_id = $3, result_type = $4, completed_at = now(),
			fee_owed = $5, winner_wallet = $6, loser_wallet = $7,
			claim_status = $8, claim_deadline = $9, updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, q, id, p.Status, p.WinnerID, p.ResultType, p.FeeOwed, p.WinnerWallet, p.LoserWallet, p.ClaimStatus, p.ClaimDeadline); err != nil {
		return fmt.Errorf("store: complete match: %w", err)
	}
	return nil
}

// SetClaimStatus updates claim_status alone, used by the claim
// endpoint and the claim-expiry sweep.
func (r *MatchRepository) SetClaimStatus(ctx context.Context, tx pgx.Tx, id, status string) error {
	const q = `UPDATE matches SET claim_status = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("store: set claim status: %w", err)
	}
	return nil
}

// UpdateLastPing records a heartbeat outside any transaction — it is a
// liveness hint, not a state transition.
func (r *MatchRepository) UpdateLastPing(ctx context.Context, id string, isPlayer1 bool, at time.Time) error {
	col := "player2_last_ping"
	if isPlayer1 {
		col = "player1_last_ping"
	}
	q := fmt.Sprintf(`UPDATE matches SET %s = $2 WHERE id = $1`, col)
	if _, err := r.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("store: update last ping: %w", err)
	}
	return nil
}

// IncrementHardDisconnect bumps the per-player hard-disconnect counter
// and returns its new value.
func (r *MatchRepository) IncrementHardDisconnect(ctx context.Context, tx pgx.Tx, id string, isPlayer1 bool) (int, error) {
	col := "player2_hard_disconnects"
	if isPlayer1 {
		col = "player1_hard_disconnects"
	}
	q := fmt.Sprintf(`UPDATE matches SET %s = %s + 1, updated_at = now() WHERE id = $1 RETURNING %s`, col, col, col)
	var n int
	if err := tx.QueryRow(ctx, q, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: increment hard disconnect: %w", err)
	}
	return n, nil
}

// ListForUser returns the caller's match history, most recent first.
func (r *MatchRepository) ListForUser(ctx context.Context, userID string, limit int) ([]Match, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT ` + matchColumns + ` FROM matches
		WHERE player1_id = $1 OR player2_id = $1
		ORDER BY completed_at DESC NULLS FIRST, created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list matches for user: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan match history row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListNonTerminalOlderThan supports the garbage-collection sweep
// (cancel any match older than the configured age in a non-terminal
// state).
func (r *MatchRepository) ListNonTerminalOlderThan(ctx context.Context, age time.Duration) ([]Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches
		WHERE status NOT IN ('completed', 'cancelled', 'refunded')
		AND created_at < now() - $1::interval`
	rows, err := r.pool.Query(ctx, q, age.String())
	if err != nil {
		return nil, fmt.Errorf("store: list stale matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan stale match row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUnclaimedPastDeadline supports the claim-expiry sweep.
func (r *MatchRepository) ListUnclaimedPastDeadline(ctx context.Context) ([]Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches
		WHERE claim_status = 'unclaimed' AND claim_deadline IS NOT NULL AND claim_deadline < now()`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list expired claims: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan expired claim row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAbandonedByHeartbeat returns non-terminal matches where both
// players have gone silent for longer than threshold, used by the
// heartbeat sweep to detect abandonment neither side reported.
func (r *MatchRepository) ListAbandonedByHeartbeat(ctx context.Context, threshold time.Duration) ([]Match, error) {
	q := `SELECT ` + matchColumns + ` FROM matches
		WHERE status NOT IN ('completed', 'cancelled', 'refunded')
		AND (player1_last_ping IS NULL OR player1_last_ping < now() - $1::interval)
		AND (player2_last_ping IS NULL OR player2_last_ping < now() - $1::interval)
		AND created_at < now() - $1::interval`
	rows, err := r.pool.Query(ctx, q, threshold.String())
	if err != nil {
		return nil, fmt.Errorf("store: list abandoned matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan abandoned match row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMatch(row pgx.Row) (Match, error) {
	var m Match
	err := row.Scan(
		&m.ID, &m.IdempotencyKey, &m.Player1ID, &m.Player2ID, &m.Player1Wallet, &m.Player2Wallet, &m.StakeAmount,
		&m.Status, &m.GreenLightTime, &m.SignalTimestamp, &m.WinnerID, &m.ResultType, &m.CompletedAt,
		&m.Player1Ready, &m.Player2Ready, &m.Player1ReadyAt, &m.Player2ReadyAt, &m.Player1Staked, &m.Player2Staked,
		&m.Player1ReactionMS, &m.Player2ReactionMS, &m.Player1Disqualified, &m.Player2Disqualified,
		&m.FeeOwed, &m.ClaimStatus, &m.ClaimDeadline, &m.WinnerWallet, &m.LoserWallet,
		&m.Player1LastPing, &m.Player2LastPing, &m.Player1HardDisconnects, &m.Player2HardDisconnects, &m.CancelReason,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}
