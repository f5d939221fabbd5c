// Package store is the transactional persistence layer: connection
// pooling, startup migrations, and one repository per entity in the
// data model, each built around pgx row-level locking.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool constructs a pgx connection pool tuned for a request-serving
// workload plus a background worker pool sharing the same process.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("store: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, cfg)
}
