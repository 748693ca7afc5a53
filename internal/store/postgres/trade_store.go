package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The log is read
// in commit order (seq).
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id::text, market_id, member_id, action, outcome,
	collateral_in::text, collateral_out::text, shares_in::text, shares_out::text, fee::text,
	yes_before::text, no_before::text, yes_after::text, no_after::text,
	price_yes_before::text, price_no_before::text, price_yes_after::text, price_no_after::text,
	revision, created_at`

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()
	var out []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var action, outcome string
		if err := rows.Scan(
			&r.ID, &r.MarketID, &r.MemberID, &action, &outcome,
			&r.CollateralIn, &r.CollateralOut, &r.SharesIn, &r.SharesOut, &r.Fee,
			&r.ReservesBefore.Yes, &r.ReservesBefore.No, &r.ReservesAfter.Yes, &r.ReservesAfter.No,
			&r.PriceBefore.Yes, &r.PriceBefore.No, &r.PriceAfter.Yes, &r.PriceAfter.No,
			&r.Revision, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Action = domain.Action(action)
		r.Outcome = domain.Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListByMarket returns a market's trades, oldest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE market_id = $1`,
		[]any{marketID}, opts, "created_at", "seq")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", marketID, err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for %s: %w", marketID, err)
	}
	return trades, nil
}

// ListBefore returns every trade committed before the cutoff, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE created_at < $1 ORDER BY seq`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
