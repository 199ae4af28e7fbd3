package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository"
)

type pgTxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner wraps a pgx pool as a repository.TxRunner.
func NewTxRunner(pool *pgxpool.Pool) repository.TxRunner {
	return &pgTxRunner{pool: pool}
}

func (r *pgTxRunner) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
