package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// GetByMarket returns a market's settlement.
func (s *SettlementStore) GetByMarket(ctx context.Context, marketID string) (domain.Settlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.Settlement{}, notFound(err, "settlement for market %s", marketID)
	}
	return st, nil
}

// ListDue returns RESOLVING settlements whose dispute window has elapsed.
func (s *SettlementStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE state = 'RESOLVING' AND dispute_ends_at <= $1
		 ORDER BY dispute_ends_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due settlements: %w", err)
	}
	out, err := collectSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan due settlements: %w", err)
	}
	return out, nil
}

// ListFinalizedBefore returns settlements finalized before the cutoff.
func (s *SettlementStore) ListFinalizedBefore(ctx context.Context, before time.Time) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE state = 'FINALIZED' AND finalized_at < $1
		 ORDER BY finalized_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list finalized settlements: %w", err)
	}
	out, err := collectSettlements(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan finalized settlements: %w", err)
	}
	return out, nil
}

// ListPayouts returns the payouts credited when a market finalized.
func (s *SettlementStore) ListPayouts(ctx context.Context, marketID string) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, member_id, outcome, stake::text, amount::text, created_at
		FROM payouts WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		var p domain.Payout
		var outcome string
		if err := rows.Scan(&p.MarketID, &p.MemberID, &outcome, &p.Stake, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		out = append(out, p)
	}
	return out, rows.Err()
}
