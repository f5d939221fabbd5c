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

// ErrUserNotFound signals the requested user does not exist.
var ErrUserNotFound = errors.New("store: user not found")

// ErrDuplicateWallet signals the wallet address is already registered.
var ErrDuplicateWallet = errors.New("store: wallet already registered")

// User mirrors the data model's User entity: identity, wallet address,
// and aggregate stats mutated only by the orchestrator on completion.
type User struct {
	ID               string
	Email            *string
	PasswordHash     *string
	WalletAddress    string
	Wins             int
	Losses           int
	AvgReactionMS    float64
	CompletedMatches int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UserRepository provides transactional access to the users table.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) CreateWithWallet(ctx context.Context, walletAddress string) (User, error) {
	const q = `
		INSERT INTO users (wallet_address)
		VALUES ($1)
		RETURNING id, email, password_hash, wallet_address, wins, losses, avg_reaction_ms, completed_matches, created_at, updated_at
	`
	u, err := scanUser(r.pool.QueryRow(ctx, q, walletAddress))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateWallet
		}
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (User, error) {
	const q = `
		SELECT id, email, password_hash, wallet_address, wins, losses, avg_reaction_ms, completed_matches, created_at, updated_at
		FROM users WHERE id = $1
	`
	u, err := scanUser(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("store: get user by id: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByWallet(ctx context.Context, wallet string) (User, error) {
	const q = `
		SELECT id, email, password_hash, wallet_address, wins, losses, avg_reaction_ms, completed_matches, created_at, updated_at
		FROM users WHERE wallet_address = $1
	`
	u, err := scanUser(r.pool.QueryRow(ctx, q, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("store: get user by wallet: %w", err)
	}
	return u, nil
}

// RecordMatchResult updates the rolling stats for a completed
// participant. Called by the orchestrator inside the same transaction
// that writes the match's COMPLETED status.
func (r *UserRepository) RecordMatchResult(ctx context.Context, tx pgx.Tx, userID string, won bool, reactionMS int64) error {
	const q = `
		UPDATE users
		SET wins = wins + $2,
		    losses = losses + $3,
		    avg_reaction_ms = (avg_reaction_ms * completed_matches + $4) / (completed_matches + 1),
		    completed_matches = completed_matches + 1,
		    updated_at = now()
		WHERE id = $1
	`
	win, loss := 0, 0
	if won {
		win = 1
	} else {
		loss = 1
	}
	if _, err := tx.Exec(ctx, q, userID, win, loss, reactionMS); err != nil {
		return fmt.Errorf("store: record match result: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.WalletAddress,
		&u.Wins, &u.Losses, &u.AvgReactionMS, &u.CompletedMatches,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}
