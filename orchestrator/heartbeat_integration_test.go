package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"duelcore/matchfsm"
	"duelcore/store"
)

func seedFundingMatch(t *testing.T, ctx context.Context, rig *testRig, p1, p2 store.User) store.Match {
	t.Helper()
	tx, err := rig.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	match, err := rig.orch.matches.CreateFromQueue(ctx, tx, store.CreateMatchParams{
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
	t.Cleanup(func() { rig.pool.Exec(context.Background(), `DELETE FROM matches WHERE id = $1`, match.ID) })
	return match
}

func TestOrchestratorHeartbeatRejectsNonParticipant(t *testing.T) {
	rig := newTestRig(t, defaultTestConfig(), &fakeEscrow{})
	ctx := context.Background()
	p1 := rig.seedUser(t, ctx)
	p2 := rig.seedUser(t, ctx)
	outsider := rig.seedUser(t, ctx)
	match := seedFundingMatch(t, ctx, rig, p1, p2)

	if err := rig.orch.Heartbeat(ctx, match.ID, outsider.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestOrchestratorRunHeartbeatSweepCancelsSilentMatch(t *testing.T) {
	rig := newTestRig(t, defaultTestConfig(), &fakeEscrow{})
	ctx := context.Background()
	p1 := rig.seedUser(t, ctx)
	p2 := rig.seedUser(t, ctx)
	match := seedFundingMatch(t, ctx, rig, p1, p2)

	if _, err := rig.pool.Exec(ctx, `UPDATE matches SET created_at = now() - interval '1 hour' WHERE id = $1`, match.ID); err != nil {
		t.Fatalf("backdate match: %v", err)
	}

	rig.orch.RunHeartbeatSweep(ctx, time.Minute)

	got, err := rig.orch.matches.Get(ctx, match.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != string(matchfsm.Cancelled) {
		t.Fatalf("expected the silent match to be cancelled, got %q", got.Status)
	}
}

func TestOrchestratorRunHeartbeatSweepSparesRecentlyPingedMatch(t *testing.T) {
	rig := newTestRig(t, defaultTestConfig(), &fakeEscrow{})
	ctx := context.Background()
	p1 := rig.seedUser(t, ctx)
	p2 := rig.seedUser(t, ctx)
	match := seedFundingMatch(t, ctx, rig, p1, p2)

	if _, err := rig.pool.Exec(ctx, `UPDATE matches SET created_at = now() - interval '1 hour', player1_last_ping = now() WHERE id = $1`, match.ID); err != nil {
		t.Fatalf("backdate match: %v", err)
	}

	rig.orch.RunHeartbeatSweep(ctx, time.Minute)

	got, err := rig.orch.matches.Get(ctx, match.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status == string(matchfsm.Cancelled) {
		t.Fatal("expected a recently-pinged match to survive the sweep")
	}
}

func TestOrchestratorDisconnectIgnoresEarlyDrop(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.StableConnection = time.Minute
	cfg.MaxHardReconnects = 0
	rig := newTestRig(t, cfg, &fakeEscrow{})
	ctx := context.Background()
	p1 := rig.seedUser(t, ctx)
	p2 := rig.seedUser(t, ctx)
	match := seedFundingMatch(t, ctx, rig, p1, p2)

	rig.orch.Disconnect(ctx, match.ID, p1.ID, rig.clock.Now())

	got, err := rig.orch.matches.Get(ctx, match.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Player1HardDisconnects != 0 {
		t.Fatalf("expected the early disconnect to not count, got %d", got.Player1HardDisconnects)
	}
	if got.Status == string(matchfsm.Cancelled) {
		t.Fatal("expected the match to survive an early disconnect")
	}
}

func TestOrchestratorDisconnectCancelsOverHardReconnectBudget(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.StableConnection = time.Millisecond
	cfg.MaxHardReconnects = 0
	cfg.MinFundingDuration = 0
	rig := newTestRig(t, cfg, &fakeEscrow{})
	ctx := context.Background()
	p1 := rig.seedUser(t, ctx)
	p2 := rig.seedUser(t, ctx)
	match := seedFundingMatch(t, ctx, rig, p1, p2)

	connectedAt := rig.clock.Now().Add(-time.Hour)
	rig.orch.Disconnect(ctx, match.ID, p1.ID, connectedAt)

	got, err := rig.orch.matches.Get(ctx, match.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Player1HardDisconnects != 1 {
		t.Fatalf("expected one hard disconnect recorded, got %d", got.Player1HardDisconnects)
	}
	if got.Status != string(matchfsm.Cancelled) {
		t.Fatalf("expected the match to be cancelled once over the reconnect budget, got %q", got.Status)
	}
}
