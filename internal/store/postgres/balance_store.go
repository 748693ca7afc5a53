package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Balance returns a member's balance; unknown members have zero.
func (s *BalanceStore) Balance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM member_balances WHERE member_id = $1`, memberID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: balance for %s: %w", memberID, err)
	}
	return bal, nil
}

// Deposit credits a member and returns the new balance.
func (s *BalanceStore) Deposit(ctx context.Context, memberID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.Errorf(domain.ErrAmountTooSmall, "deposit must be positive, got %s", amount)
	}
	var bal decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		INSERT INTO member_balances (member_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (member_id) DO UPDATE SET
			balance    = member_balances.balance + EXCLUDED.balance,
			updated_at = NOW()
		RETURNING balance::text`, memberID, amount).Scan(&bal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: deposit to %s: %w", memberID, err)
	}
	return bal, nil
}

// VoteTallyStore implements domain.VoteTallyStore over the tallies written by
// the ballot service.
type VoteTallyStore struct {
	pool *pgxpool.Pool
}

// NewVoteTallyStore creates a new VoteTallyStore backed by the given connection pool.
func NewVoteTallyStore(pool *pgxpool.Pool) *VoteTallyStore {
	return &VoteTallyStore{pool: pool}
}

// Tally returns the counts for a market; a market with no ballots has zero.
func (s *VoteTallyStore) Tally(ctx context.Context, marketID string) (domain.VoteTally, error) {
	t := domain.VoteTally{MarketID: marketID}
	err := s.pool.QueryRow(ctx,
		`SELECT yes_votes, no_votes, updated_at FROM vote_tallies WHERE market_id = $1`, marketID,
	).Scan(&t.Yes, &t.No, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return domain.VoteTally{}, fmt.Errorf("postgres: vote tally for %s: %w", marketID, err)
	}
	return t, nil
}
