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

// ErrPaymentIntentNotFound signals the requested intent does not exist.
var ErrPaymentIntentNotFound = errors.New("store: payment intent not found")

// ErrDuplicateReference signals the reference has already been used.
var ErrDuplicateReference = errors.New("store: payment reference already exists")

// PaymentIntent is a funding attempt tracked across its lifetime by
// the payment worker and the orchestrator.
type PaymentIntent struct {
	ID                  string
	Reference           string
	OwnerUserID         string
	Amount              float64
	MatchID             *string
	RawStatus           *string
	NormalizedStatus    string
	OracleTransactionID *string
	TransactionHash     *string
	LockedAt            *time.Time
	LockedBy            *string
	RetryCount          int
	LastRetryAt         *time.Time
	NextRetryAt         *time.Time
	LastError           *string
	RefundStatus        string
	RefundDeadline      *time.Time
	RefundAmount        *float64
	RefundReason        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const intentColumns = `
	id, reference, owner_user_id, amount, match_id,
	raw_status, normalized_status, oracle_transaction_id, transaction_hash,
	locked_at, locked_by, retry_count, last_retry_at, next_retry_at, last_error,
	refund_status, refund_deadline, refund_amount, refund_reason,
	created_at, updated_at
`

// PaymentIntentRepository provides transactional access to payment_intents.
type PaymentIntentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentIntentRepository(pool *pgxpool.Pool) *PaymentIntentRepository {
	return &PaymentIntentRepository{pool: pool}
}

// Create inserts a new intent for ownerUserID with externally-provided
// reference (hex, no dashes).
func (r *PaymentIntentRepository) Create(ctx context.Context, ownerUserID, reference string, amount float64) (PaymentIntent, error) {
	q := `INSERT INTO payment_intents (reference, owner_user_id, amount) VALUES ($1, $2, $3)
		RETURNING ` + intentColumns
	pi, err := scanIntent(r.pool.QueryRow(ctx, q, reference, ownerUserID, amount))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PaymentIntent{}, ErrDuplicateReference
		}
		return PaymentIntent{}, fmt.Errorf("store: create payment intent: %w", err)
	}
	return pi, nil
}

// GetByReference fetches an intent by its externally-provided reference.
func (r *PaymentIntentRepository) GetByReference(ctx context.Context, reference string) (PaymentIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM payment_intents WHERE reference = $1`
	pi, err := scanIntent(r.pool.QueryRow(ctx, q, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentIntent{}, ErrPaymentIntentNotFound
		}
		return PaymentIntent{}, fmt.Errorf("store: get payment intent: %w", err)
	}
	return pi, nil
}

// GetForUpdateByReference locks an intent row for confirmStake's
// ownership/status check.
func (r *PaymentIntentRepository) GetForUpdateByReference(ctx context.Context, tx pgx.Tx, reference string) (PaymentIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM payment_intents WHERE reference = $1 FOR UPDATE`
	pi, err := scanIntent(tx.QueryRow(ctx, q, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentIntent{}, ErrPaymentIntentNotFound
		}
		return PaymentIntent{}, fmt.Errorf("store: get payment intent for update: %w", err)
	}
	return pi, nil
}

// LinkToMatch associates an unlinked intent with a match, inside the
// same transaction that sets the caller's stake flag.
func (r *PaymentIntentRepository) LinkToMatch(ctx context.Context, tx pgx.Tx, id, matchID string) error {
	const q = `UPDATE payment_intents SET match_id = $2, updated_at = now() WHERE id = $1 AND match_id IS NULL`
	if _, err := tx.Exec(ctx, q, id, matchID); err != nil {
		return fmt.Errorf("store: link payment intent to match: %w", err)
	}
	return nil
}

// ConfirmWebhook records the oracle transaction id supplied by the
// confirm-payment webhook without overriding a terminal status.
func (r *PaymentIntentRepository) ConfirmWebhook(ctx context.Context, reference, oracleTxID, rawStatus string) (PaymentIntent, error) {
	const q = `
		UPDATE payment_intents
		SET oracle_transaction_id = COALESCE(oracle_transaction_id, $2), raw_status = $3, updated_at = now()
		WHERE reference = $1
		RETURNING ` + intentColumns
	pi, err := scanIntent(r.pool.QueryRow(ctx, q, reference, oracleTxID, rawStatus))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentIntent{}, ErrPaymentIntentNotFound
		}
		return PaymentIntent{}, fmt.Errorf("store: confirm payment webhook: %w", err)
	}
	return pi, nil
}

// LeaseBatch selects up to batchSize pending, unlocked or lease-expired
// intents under SELECT ... FOR UPDATE SKIP LOCKED and marks them
// locked by workerID. Must be committed promptly — no external I/O
// while the transaction is open.
func (r *PaymentIntentRepository) LeaseBatch(ctx context.Context, tx pgx.Tx, workerID string, leaseTTL time.Duration, batchSize int) ([]PaymentIntent, error) {
	selectQ := `
		SELECT id FROM payment_intents
		WHERE normalized_status = 'pending'
		  AND (locked_at IS NULL OR locked_at < now() - $1::interval)
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY next_retry_at ASC NULLS FIRST, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectQ, leaseTTL.String(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("store: select lease candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan lease candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate lease candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	const lockQ = `
		UPDATE payment_intents SET locked_at = now(), locked_by = $2, updated_at = now()
		WHERE id = ANY($1)
		RETURNING ` + intentColumns
	leaseRows, err := tx.Query(ctx, lockQ, ids, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: lease payment intents: %w", err)
	}
	defer leaseRows.Close()

	var out []PaymentIntent
	for leaseRows.Next() {
		pi, err := scanIntent(leaseRows)
		if err != nil {
			return nil, fmt.Errorf("store: scan leased intent: %w", err)
		}
		out = append(out, pi)
	}
	return out, leaseRows.Err()
}

// ExpireStaleWithoutTransaction fails intents that never received an
// oracle transaction id within the stale window.
func (r *PaymentIntentRepository) ExpireStaleWithoutTransaction(ctx context.Context, age time.Duration) (int64, error) {
	const q = `
		UPDATE payment_intents
		SET normalized_status = 'failed', last_error = 'stale_no_transaction', updated_at = now()
		WHERE normalized_status = 'pending' AND oracle_transaction_id IS NULL AND created_at < now() - $1::interval
	`
	tag, err := r.pool.Exec(ctx, q, age.String())
	if err != nil {
		return 0, fmt.Errorf("store: expire stale intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateNormalizedStatus applies a monotonic status update: the write
// is a no-op once the row is already in a terminal state.
func (r *PaymentIntentRepository) UpdateNormalizedStatus(ctx context.Context, id, rawStatus, normalized string, txHash *string, lastErr *string) error {
	const q = `
		UPDATE payment_intents
		SET raw_status = $2, normalized_status = $3, transaction_hash = COALESCE($4, transaction_hash),
		    last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1 AND normalized_status = 'pending'
	`
	if _, err := r.pool.Exec(ctx, q, id, rawStatus, normalized, txHash, lastErr); err != nil {
		return fmt.Errorf("store: update normalized status: %w", err)
	}
	return nil
}

// ScheduleRetry bumps retry bookkeeping and releases the lease without
// changing normalized_status.
func (r *PaymentIntentRepository) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	const q = `
		UPDATE payment_intents
		SET retry_count = retry_count + 1, last_retry_at = now(), next_retry_at = $2,
		    last_error = $3, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, q, id, nextRetryAt, lastErr); err != nil {
		return fmt.Errorf("store: schedule retry: %w", err)
	}
	return nil
}

// ReleaseLease drops the lease without touching retry bookkeeping —
// used for circuit-open rejections and intents still missing an
// oracle transaction id.
func (r *PaymentIntentRepository) ReleaseLease(ctx context.Context, id string) error {
	const q = `UPDATE payment_intents SET locked_at = NULL, locked_by = NULL, updated_at = now() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: release lease: %w", err)
	}
	return nil
}

// MarkRefundEligible opens a refund pathway on an intent linked to a
// cancelled/refunded match.
func (r *PaymentIntentRepository) MarkRefundEligible(ctx context.Context, tx pgx.Tx, id string, amount float64, deadline time.Time, reason string) error {
	const q = `
		UPDATE payment_intents
		SET refund_status = 'eligible', refund_amount = $2, refund_deadline = $3, refund_reason = $4, updated_at = now()
		WHERE id = $1 AND refund_status = 'none'
	`
	if _, err := tx.Exec(ctx, q, id, amount, deadline, reason); err != nil {
		return fmt.Errorf("store: mark refund eligible: %w", err)
	}
	return nil
}

// LeaseEligibleRefunds locks refund-eligible intents for the refund
// sweep, the same SKIP LOCKED shape as LeaseBatch.
func (r *PaymentIntentRepository) LeaseEligibleRefunds(ctx context.Context, tx pgx.Tx, batchSize int) ([]PaymentIntent, error) {
	const q = `
		SELECT ` + intentColumns + ` FROM payment_intents
		WHERE refund_status = 'eligible' AND refund_deadline > now()
		ORDER BY refund_deadline ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, q, batchSize)
	if err != nil {
		return nil, fmt.Errorf("store: lease eligible refunds: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan refund candidate: %w", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

// SetRefundStatus transitions an intent's refund_status field.
func (r *PaymentIntentRepository) SetRefundStatus(ctx context.Context, tx pgx.Tx, id, status string) error {
	const q = `UPDATE payment_intents SET refund_status = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status); err != nil {
		return fmt.Errorf("store: set refund status: %w", err)
	}
	return nil
}

// ListForMatch returns both intents linked to a match, used to open
// refund eligibility on both sides at once.
func (r *PaymentIntentRepository) ListForMatch(ctx context.Context, tx pgx.Tx, matchID string) ([]PaymentIntent, error) {
	q := `SELECT ` + intentColumns + ` FROM payment_intents WHERE match_id = $1 FOR UPDATE`
	rows, err := tx.Query(ctx, q, matchID)
	if err != nil {
		return nil, fmt.Errorf("store: list intents for match: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan match intent: %w", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var pi PaymentIntent
	err := row.Scan(
		&pi.ID, &pi.Reference, &pi.OwnerUserID, &pi.Amount, &pi.MatchID,
		&pi.RawStatus, &pi.NormalizedStatus, &pi.OracleTransactionID, &pi.TransactionHash,
		&pi.LockedAt, &pi.LockedBy, &pi.RetryCount, &pi.LastRetryAt, &pi.NextRetryAt, &pi.LastError,
		&pi.RefundStatus, &pi.RefundDeadline, &pi.RefundAmount, &pi.RefundReason,
		&pi.CreatedAt, &pi.UpdatedAt,
	)
	return pi, err
}
