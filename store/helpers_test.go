package store

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// connectTestPool connects to DATABASE_URL. Tests that need a live schema
// skip themselves when it isn't set, matching the teacher's integration
// test convention of running only when pointed at a migrated Postgres.
func connectTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a migrated Postgres to run this test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func seedTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool) User {
	t.Helper()
	repo := NewUserRepository(pool)
	u, err := repo.CreateWithWallet(ctx, fmt.Sprintf("0xtest%034d", rand.Int63()))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, u.ID)
	})
	return u
}
