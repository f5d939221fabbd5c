package store

import (
	"context"
	"math"
	"testing"
)

func TestLedgerRepositoryRecordAndList(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	p1 := seedTestUser(t, ctx, pool)
	p2 := seedTestUser(t, ctx, pool)
	matchRepo := NewMatchRepository(pool)
	ledgerRepo := NewLedgerRepository(pool)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m, err := matchRepo.CreateFromQueue(ctx, tx, CreateMatchParams{
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
	if err := ledgerRepo.Record(ctx, tx2, m.ID, "stake", -10, &p1.WalletAddress); err != nil {
		t.Fatalf("Record stake p1: %v", err)
	}
	if err := ledgerRepo.Record(ctx, tx2, m.ID, "stake", -10, &p2.WalletAddress); err != nil {
		t.Fatalf("Record stake p2: %v", err)
	}
	if err := ledgerRepo.Record(ctx, tx2, m.ID, "payout", 19.4, &p1.WalletAddress); err != nil {
		t.Fatalf("Record payout: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entries, err := ledgerRepo.ListForMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListForMatch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}

	var total float64
	for _, e := range entries {
		total += e.Amount
	}
	if math.Abs(total-(-0.6)) > 1e-9 {
		t.Fatalf("expected stakes minus payout to net the 3%% platform fee (-0.6), got %v", total)
	}
}
