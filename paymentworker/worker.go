// Package paymentworker polls pending payment intents under lease,
// normalizes their oracle-reported status, and schedules exponential
// retries, mirroring the teacher's test/actors OutboxWorker's
// SKIP LOCKED batch-lease shape.
package paymentworker

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"duelcore/circuitbreaker"
	"duelcore/paymentoracle"
	"duelcore/store"
)

// Config bundles the worker's tunables, sourced from config.Config.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	StaleWindow  time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
}

// Worker drives the payment-intent lifecycle independently of the
// orchestrator.
type Worker struct {
	pool    *pgxpool.Pool
	intents *store.PaymentIntentRepository
	oracle  *paymentoracle.Client
	breaker *circuitbreaker.Breaker
	cfg     Config
}

func New(pool *pgxpool.Pool, intents *store.PaymentIntentRepository, oracle *paymentoracle.Client, breaker *circuitbreaker.Breaker, cfg Config) *Worker {
	return &Worker{pool: pool, intents: intents, oracle: oracle, breaker: breaker, cfg: cfg}
}

// Run blocks, polling every PollInterval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				log.Printf("payment worker: cycle error: %v", err)
			}
		}
	}
}

// Cycle runs exactly one expire-lease-process round, exported so tests
// can drive deterministic cycles instead of waiting on the ticker.
func (w *Worker) Cycle(ctx context.Context) error {
	expired, err := w.intents.ExpireStaleWithoutTransaction(ctx, w.cfg.StaleWindow)
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("payment worker: expired %d stale intents", expired)
	}

	leased, err := w.lease(ctx)
	if err != nil {
		return err
	}
	if len(leased) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, intent := range leased {
		intent := intent
		g.Go(func() error {
			w.process(gctx, intent)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) lease(ctx context.Context) ([]store.PaymentIntent, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	leased, err := w.intents.LeaseBatch(ctx, tx, w.cfg.WorkerID, w.cfg.LeaseTTL, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return leased, nil
}

// process handles one leased intent entirely outside any transaction,
// so no lock is held across the oracle round trip.
func (w *Worker) process(ctx context.Context, intent store.PaymentIntent) {
	if intent.OracleTransactionID == nil || *intent.OracleTransactionID == "" {
		if err := w.intents.ReleaseLease(ctx, intent.ID); err != nil {
			log.Printf("payment worker: release lease for %s: %v", intent.Reference, err)
		}
		return
	}

	var status paymentoracle.TransactionStatus
	callErr := w.breaker.Call(func() error {
		s, err := w.oracle.GetTransactionStatus(ctx, *intent.OracleTransactionID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})

	switch {
	case circuitbreaker.IsOpen(callErr):
		if err := w.intents.ReleaseLease(ctx, intent.ID); err != nil {
			log.Printf("payment worker: release lease for %s: %v", intent.Reference, err)
		}
		return
	case callErr == paymentoracle.ErrNotFound:
		if err := w.intents.UpdateNormalizedStatus(ctx, intent.ID, "not_found", string(paymentoracle.Failed), nil, strPtr("not_found")); err != nil {
			log.Printf("payment worker: update %s to failed: %v", intent.Reference, err)
		}
		return
	case callErr != nil:
		w.scheduleRetry(ctx, intent, callErr.Error())
		return
	}

	normalized := paymentoracle.Normalize(status.RawStatus)
	if normalized == paymentoracle.Confirmed && status.TransactionHash == "" {
		w.scheduleRetry(ctx, intent, "confirmed_without_hash")
		return
	}

	var hash *string
	if status.TransactionHash != "" {
		hash = &status.TransactionHash
	}
	if err := w.intents.UpdateNormalizedStatus(ctx, intent.ID, status.RawStatus, string(normalized), hash, nil); err != nil {
		log.Printf("payment worker: update %s: %v", intent.Reference, err)
	}
}

// scheduleRetry computes base·2^retry_count capped at max by winding a
// backoff.ExponentialBackOff forward retry_count steps, rather than
// hand-rolling the doubling loop.
func (w *Worker) scheduleRetry(ctx context.Context, intent store.PaymentIntent, reason string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBase
	b.MaxInterval = w.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < intent.RetryCount; i++ {
		delay = b.NextBackOff()
	}

	if err := w.intents.ScheduleRetry(ctx, intent.ID, time.Now().Add(delay), reason); err != nil {
		log.Printf("payment worker: schedule retry for %s: %v", intent.Reference, err)
	}
}

func strPtr(s string) *string { return &s }
