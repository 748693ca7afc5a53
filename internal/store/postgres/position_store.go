package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// ListByMember returns every position a member holds, including emptied ones.
func (s *PositionStore) ListByMember(ctx context.Context, memberID string) ([]domain.Position, error) {
	out, err := queryPositions(ctx, s.pool, "member_id = $1", memberID)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions for member %s: %w", memberID, err)
	}
	return out, nil
}

// ListByMarket returns every position in a market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	out, err := queryPositions(ctx, s.pool, "market_id = $1", marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions for market %s: %w", marketID, err)
	}
	return out, nil
}
