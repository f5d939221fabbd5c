package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMatchRepositoryCreateFromQueueIsIdempotent(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	repo := NewMatchRepository(pool)

	params := CreateMatchParams{
		IdempotencyKey: "itest-" + p1.ID + "-" + p2.ID,
		Player1ID:      p1.ID,
		Player2ID:      p2.ID,
		Player1Wallet:  p1.WalletAddress,
		Player2Wallet:  p2.WalletAddress,
		StakeAmount:    10,
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	first, err := repo.CreateFromQueue(ctx, tx, params)
	if err != nil {
		t.Fatalf("CreateFromQueue (first): %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM match_idempotency_keys WHERE match_id = $1`, first.ID)
		pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, first.ID)
	})

	if first.Status != "funding" {
		t.Fatalf("expected a staked match to start in funding, got %q", first.Status)
	}

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback(ctx)
	second, err := repo.CreateFromQueue(ctx, tx2, params)
	if err != nil {
		t.Fatalf("CreateFromQueue (replay): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected idempotent replay to return the same match, got %q vs %q", second.ID, first.ID)
	}
}

func TestMatchRepositoryZeroStakeStartsReady(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	repo := NewMatchRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m, err := repo.CreateFromQueue(ctx, tx, CreateMatchParams{
		Player1ID: p1.ID, Player2ID: p2.ID,
		Player1Wallet: p1.WalletAddress, Player2Wallet: p2.WalletAddress,
		StakeAmount: 0,
	})
	if err != nil {
		t.Fatalf("CreateFromQueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, m.ID) })

	if m.Status != "ready" {
		t.Fatalf("expected a free match to start ready, got %q", m.Status)
	}
}

func TestMatchRepositorySetGreenLightAndStartExactlyOnce(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	repo := NewMatchRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m, err := repo.CreateFromQueue(ctx, tx, CreateMatchParams{
		Player1ID: p1.ID, Player2ID: p2.ID,
		Player1Wallet: p1.WalletAddress, Player2Wallet: p2.WalletAddress,
	})
	if err != nil {
		t.Fatalf("CreateFromQueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, m.ID) })

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback(ctx)

	first, err := repo.SetGreenLightAndStart(ctx, tx2, m.ID, 1000)
	if err != nil {
		t.Fatalf("SetGreenLightAndStart (first): %v", err)
	}
	if !first {
		t.Fatal("expected the first call to set the green light time")
	}

	second, err := repo.SetGreenLightAndStart(ctx, tx2, m.ID, 2000)
	if err != nil {
		t.Fatalf("SetGreenLightAndStart (second): %v", err)
	}
	if second {
		t.Fatal("expected the second call to be a no-op once green_light_time is set")
	}
}

func TestMatchRepositoryCompleteAndListForUser(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	repo := NewMatchRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m, err := repo.CreateFromQueue(ctx, tx, CreateMatchParams{
		Player1ID: p1.ID, Player2ID: p2.ID,
		Player1Wallet: p1.WalletAddress, Player2Wallet: p2.WalletAddress,
		StakeAmount: 10,
	})
	if err != nil {
		t.Fatalf("CreateFromQueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, m.ID) })

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	fee := 0.6
	err = repo.Complete(ctx, tx2, m.ID, CompleteParams{
		Status: "completed", WinnerID: &p1.ID, ResultType: "win",
		FeeOwed: &fee, WinnerWallet: &p1.WalletAddress, LoserWallet: &p2.WalletAddress,
		ClaimStatus: "unclaimed",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := repo.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsTerminal() {
		t.Fatal("expected a completed match to report terminal")
	}
	if got.WinnerID == nil || *got.WinnerID != p1.ID {
		t.Fatalf("expected winner %q, got %+v", p1.ID, got.WinnerID)
	}

	history, err := repo.ListForUser(ctx, p1.ID, 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	found := false
	for _, hm := range history {
		if hm.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected completed match to appear in player 1's history")
	}
}

func TestMatchRepositoryGetForUpdateMissing(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	repo := NewMatchRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := repo.GetForUpdate(ctx, tx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestMatchRepositoryListNonTerminalOlderThan(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	repo := NewMatchRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m, err := repo.CreateFromQueue(ctx, tx, CreateMatchParams{
		Player1ID: p1.ID, Player2ID: p2.ID,
		Player1Wallet: p1.WalletAddress, Player2Wallet: p2.WalletAddress,
	})
	if err != nil {
		t.Fatalf("CreateFromQueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, m.ID) })
	pool.Exec(ctx, `UPDATE matches SET created_at = now() - interval '1 hour' WHERE id = $1`, m.ID)

	stale, err := repo.ListNonTerminalOlderThan(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListNonTerminalOlderThan: %v", err)
	}
	found := false
	for _, sm := range stale {
		if sm.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the backdated match to be reported stale")
	}
}
