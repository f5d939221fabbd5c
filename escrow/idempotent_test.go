package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

type countingClient struct {
	calls int32
	ready chan struct{}
	start sync.WaitGroup
}

func (c *countingClient) CreateMatch(ctx context.Context, matchID, p1, p2 string, stake float64) (Result, error) {
	atomic.AddInt32(&c.calls, 1)
	c.start.Done()
	<-c.ready
	return Result{OK: true, TxHash: "0x1"}, nil
}

func (c *countingClient) CompleteMatch(ctx context.Context, matchID, winnerWallet string) (Result, error) {
	return Result{OK: true}, nil
}
func (c *countingClient) SplitPot(ctx context.Context, matchID string) (Result, error) {
	return Result{OK: true}, nil
}
func (c *countingClient) CancelMatch(ctx context.Context, matchID string) (Result, error) {
	return Result{OK: true}, nil
}
func (c *countingClient) GetMatch(ctx context.Context, matchID string) (*MatchRecord, error) {
	return nil, nil
}
func (c *countingClient) VerifyStakeStatus(ctx context.Context, matchID string) (StakeStatus, error) {
	return StakeStatus{}, nil
}

func TestIdempotentCollapsesConcurrentDuplicateCalls(t *testing.T) {
	inner := &countingClient{ready: make(chan struct{})}
	inner.start.Add(1)
	client := NewIdempotent(inner)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = client.CreateMatch(context.Background(), "match-1", "0x1", "0x2", 10)
	}()

	inner.start.Wait() // first call has entered the singleflight group

	go func() {
		defer wg.Done()
		results[1], errs[1] = client.CreateMatch(context.Background(), "match-1", "0x1", "0x2", 10)
	}()

	close(inner.ready)
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("unexpected errors: %v, %v", errs[0], errs[1])
	}
	if results[0] != results[1] {
		t.Fatalf("expected both callers to observe the same result, got %+v and %+v", results[0], results[1])
	}
	if got := atomic.LoadInt32(&inner.calls); got != 1 {
		t.Fatalf("expected exactly one underlying call, got %d", got)
	}
}

func TestIdempotentDelegatesReadOnlyCalls(t *testing.T) {
	inner := &countingClient{ready: make(chan struct{})}
	close(inner.ready)
	client := NewIdempotent(inner)

	if _, err := client.GetMatch(context.Background(), "match-1"); err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if _, err := client.VerifyStakeStatus(context.Background(), "match-1"); err != nil {
		t.Fatalf("VerifyStakeStatus: %v", err)
	}
}
