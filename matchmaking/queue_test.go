package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"duelcore/store"
)

type fakeActiveMatchChecker struct {
	active bool
	err    error
}

func (f fakeActiveMatchChecker) HasActiveMatch(ctx context.Context, userID string) (bool, error) {
	return f.active, f.err
}

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

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool) store.User {
	t.Helper()
	repo := store.NewUserRepository(pool)
	u, err := repo.CreateWithWallet(ctx, fmt.Sprintf("0xqueue%032d", rand.Int63()))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, u.ID) })
	return u
}

func TestQueueEnqueueRejectsWhenAlreadyActive(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedUser(t, ctx, pool)
	entries := store.NewQueueEntryRepository(pool)
	q := New(entries, fakeActiveMatchChecker{active: true}, time.Minute)

	if _, err := q.Enqueue(ctx, u.ID, 10); !errors.Is(err, ErrActiveMatch) {
		t.Fatalf("expected ErrActiveMatch, got %v", err)
	}
}

func TestQueueFindMatchSkipsStaleEntries(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	seeker := seedUser(t, ctx, pool)
	stale := seedUser(t, ctx, pool)
	fresh := seedUser(t, ctx, pool)

	entries := store.NewQueueEntryRepository(pool)
	q := New(entries, fakeActiveMatchChecker{}, 50*time.Millisecond)

	staleEntry, err := entries.Enqueue(ctx, stale.ID, 10, time.Minute)
	if err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM match_queue_entries WHERE id = $1`, staleEntry.ID) })
	time.Sleep(60 * time.Millisecond)

	freshEntry, err := entries.Enqueue(ctx, fresh.ID, 10, time.Minute)
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM match_queue_entries WHERE id = $1`, freshEntry.ID) })

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	matched, ok, err := q.FindMatch(ctx, tx, seeker.ID, 10)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if !ok {
		t.Fatal("expected a match against the fresh entry")
	}
	if matched.ID != freshEntry.ID {
		t.Fatalf("expected the stale entry to be skipped and removed, matched %q instead of %q", matched.ID, freshEntry.ID)
	}
}

func TestQueueCancelIsANoOpWhenNothingQueued(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedUser(t, ctx, pool)
	entries := store.NewQueueEntryRepository(pool)
	q := New(entries, fakeActiveMatchChecker{}, time.Minute)

	if err := q.Cancel(ctx, pool, u.ID, 10); err != nil {
		t.Fatalf("expected cancelling an absent ticket to be a no-op, got %v", err)
	}
}

func TestQueueDisconnectAndReconnect(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedUser(t, ctx, pool)
	entries := store.NewQueueEntryRepository(pool)
	q := New(entries, fakeActiveMatchChecker{}, time.Minute)

	entry, err := q.Enqueue(ctx, u.ID, 10)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM match_queue_entries WHERE id = $1`, entry.ID) })

	if err := q.Disconnect(ctx, u.ID, 10); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := q.Reconnect(ctx, u.ID, 10); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
}
