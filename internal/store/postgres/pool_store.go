package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL. Reads take no
// locks and never touch the revision.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// GetPool returns the committed pool for a market.
func (s *PoolStore) GetPool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM liquidity_pools WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.LiquidityPool{}, notFound(err, "pool for market %s", marketID)
	}
	return p, nil
}

// ListPools returns pools ordered by market id.
func (s *PoolStore) ListPools(ctx context.Context, opts domain.ListOpts) ([]domain.LiquidityPool, error) {
	query, args := listQuery(`SELECT `+poolSelectCols+` FROM liquidity_pools WHERE 1=1`,
		nil, opts, "created_at", "market_id")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.LiquidityPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}
