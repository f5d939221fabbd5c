package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestPaymentIntentRepositoryCreateAndDuplicateReference(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedTestUser(t, ctx, pool)
	repo := NewPaymentIntentRepository(pool)

	ref := fmt.Sprintf("itest%034d", rand.Int63())
	pi, err := repo.Create(ctx, u.ID, ref, 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, pi.ID) })

	if pi.NormalizedStatus != "pending" {
		t.Fatalf("expected a fresh intent to be pending, got %q", pi.NormalizedStatus)
	}

	if _, err := repo.Create(ctx, u.ID, ref, 10); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestPaymentIntentRepositoryUpdateNormalizedStatusIsMonotonic(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedTestUser(t, ctx, pool)
	repo := NewPaymentIntentRepository(pool)

	pi, err := repo.Create(ctx, u.ID, fmt.Sprintf("itest%034d", rand.Int63()), 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, pi.ID) })

	if err := repo.UpdateNormalizedStatus(ctx, pi.ID, "mined", "confirmed", nil, nil); err != nil {
		t.Fatalf("UpdateNormalizedStatus (pending->confirmed): %v", err)
	}

	got, err := repo.GetByReference(ctx, pi.Reference)
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if got.NormalizedStatus != "confirmed" {
		t.Fatalf("expected confirmed, got %q", got.NormalizedStatus)
	}

	if err := repo.UpdateNormalizedStatus(ctx, pi.ID, "failed", "failed", nil, nil); err != nil {
		t.Fatalf("UpdateNormalizedStatus (confirmed->failed attempt): %v", err)
	}
	got2, err := repo.GetByReference(ctx, pi.Reference)
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if got2.NormalizedStatus != "confirmed" {
		t.Fatalf("expected the terminal status to stick, got %q", got2.NormalizedStatus)
	}
}

func TestPaymentIntentRepositoryLeaseBatchExcludesLockedAndNonPending(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedTestUser(t, ctx, pool)
	repo := NewPaymentIntentRepository(pool)

	pending, err := repo.Create(ctx, u.ID, fmt.Sprintf("itest%034d", rand.Int63()), 10)
	if err != nil {
		t.Fatalf("Create pending: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, pending.ID) })

	confirmed, err := repo.Create(ctx, u.ID, fmt.Sprintf("itest%034d", rand.Int63()), 10)
	if err != nil {
		t.Fatalf("Create confirmed: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, confirmed.ID) })
	if err := repo.UpdateNormalizedStatus(ctx, confirmed.ID, "mined", "confirmed", nil, nil); err != nil {
		t.Fatalf("UpdateNormalizedStatus: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	leased, err := repo.LeaseBatch(ctx, tx, "worker-1", time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	var sawPending, sawConfirmed bool
	for _, pi := range leased {
		if pi.ID == pending.ID {
			sawPending = true
		}
		if pi.ID == confirmed.ID {
			sawConfirmed = true
		}
	}
	if !sawPending {
		t.Fatal("expected the pending intent to be leased")
	}
	if sawConfirmed {
		t.Fatal("expected the already-confirmed intent to be excluded from the lease batch")
	}
}

func TestPaymentIntentRepositoryConfirmWebhookPreservesFirstOracleTxID(t *testing.T) {
	pool := connectTestPool(t)
	ctx := context.Background()
	u := seedTestUser(t, ctx, pool)
	repo := NewPaymentIntentRepository(pool)

	pi, err := repo.Create(ctx, u.ID, fmt.Sprintf("itest%034d", rand.Int63()), 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, pi.ID) })

	first, err := repo.ConfirmWebhook(ctx, pi.Reference, "0xfirst", "mined")
	if err != nil {
		t.Fatalf("ConfirmWebhook (first): %v", err)
	}
	if first.OracleTransactionID == nil || *first.OracleTransactionID != "0xfirst" {
		t.Fatalf("expected oracle tx id 0xfirst, got %+v", first.OracleTransactionID)
	}

	second, err := repo.ConfirmWebhook(ctx, pi.Reference, "0xsecond", "mined")
	if err != nil {
		t.Fatalf("ConfirmWebhook (second): %v", err)
	}
	if second.OracleTransactionID == nil || *second.OracleTransactionID != "0xfirst" {
		t.Fatalf("expected the first oracle tx id to stick, got %+v", second.OracleTransactionID)
	}
}
