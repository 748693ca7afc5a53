package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// UnitOfWork implements domain.UnitOfWork with one READ COMMITTED
// transaction per call. Pool and settlement writes are guarded by a revision
// predicate rather than row locks.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork creates a UnitOfWork backed by the given connection pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// WithinTx begins a transaction, runs fn, and commits if fn returns nil.
func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return pgx.BeginTxFunc(ctx, u.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

type pgTx struct {
	q querier
}

func (t *pgTx) Deduct(ctx context.Context, memberID string, amount decimal.Decimal) error {
	const query = `
		UPDATE member_balances SET balance = balance - $2, updated_at = NOW()
		WHERE member_id = $1 AND balance >= $2`
	tag, err := t.q.Exec(ctx, query, memberID, amount)
	if err != nil {
		return fmt.Errorf("postgres: deduct %s from %s: %w", amount, memberID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrInsufficientFunds, "member %s cannot cover %s", memberID, amount)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, memberID string, amount decimal.Decimal) error {
	const query = `
		INSERT INTO member_balances (member_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (member_id) DO UPDATE SET
			balance    = member_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`
	if _, err := t.q.Exec(ctx, query, memberID, amount); err != nil {
		return fmt.Errorf("postgres: credit %s to %s: %w", amount, memberID, err)
	}
	return nil
}

func (t *pgTx) Pool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	p, err := scanPool(t.q.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM liquidity_pools WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.LiquidityPool{}, notFound(err, "pool for market %s", marketID)
	}
	return p, nil
}

func (t *pgTx) InsertPool(ctx context.Context, p domain.LiquidityPool) error {
	const query = `
		INSERT INTO liquidity_pools (
			market_id, yes_reserve, no_reserve, fee_rate,
			collateral_locked, initial_liquidity, total_volume, total_fees,
			revision, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $10)
		ON CONFLICT (market_id) DO NOTHING`
	tag, err := t.q.Exec(ctx, query,
		p.MarketID, p.YesReserve, p.NoReserve, p.FeeRate,
		p.CollateralLocked, p.InitialLiquidity, p.TotalVolume, p.TotalFees,
		string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert pool %s: %w", p.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrInvalidState, "pool for market %s already seeded", p.MarketID)
	}
	return nil
}

// UpdatePool only matches the row while it still carries expectedRevision.
// Under READ COMMITTED a concurrent committed update makes the predicate
// fail on re-check, so zero rows means another swap won.
func (t *pgTx) UpdatePool(ctx context.Context, p domain.LiquidityPool, expectedRevision int64) error {
	const query = `
		UPDATE liquidity_pools SET
			yes_reserve       = $3,
			no_reserve        = $4,
			collateral_locked = $5,
			total_volume      = $6,
			total_fees        = $7,
			status            = $8,
			revision          = revision + 1,
			updated_at        = $9
		WHERE market_id = $1 AND revision = $2`
	tag, err := t.q.Exec(ctx, query,
		p.MarketID, expectedRevision,
		p.YesReserve, p.NoReserve, p.CollateralLocked, p.TotalVolume, p.TotalFees,
		string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pool %s: %w", p.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrConcurrencyConflict,
			"pool %s moved past revision %d", p.MarketID, expectedRevision)
	}
	return nil
}

func (t *pgTx) Position(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE member_id = $1 AND market_id = $2 AND outcome = $3`,
		key.MemberID, key.MarketID, string(key.Outcome)))
	if err != nil {
		return domain.Position{}, notFound(err, "%s position for %s in %s", key.Outcome, key.MemberID, key.MarketID)
	}
	return p, nil
}

func (t *pgTx) PositionsByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	out, err := queryPositions(ctx, t.q, "market_id = $1", marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions for market %s: %w", marketID, err)
	}
	return out, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (member_id, market_id, outcome, shares_held, cost_basis, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (member_id, market_id, outcome) DO UPDATE SET
			shares_held = EXCLUDED.shares_held,
			cost_basis  = EXCLUDED.cost_basis,
			updated_at  = EXCLUDED.updated_at`
	_, err := t.q.Exec(ctx, query,
		p.MemberID, p.MarketID, string(p.Outcome), p.SharesHeld, p.CostBasis, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save position %s/%s/%s: %w", p.MemberID, p.MarketID, p.Outcome, err)
	}
	return nil
}

func (t *pgTx) AppendTrade(ctx context.Context, r domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, market_id, member_id, action, outcome,
			collateral_in, collateral_out, shares_in, shares_out, fee,
			yes_before, no_before, yes_after, no_after,
			price_yes_before, price_no_before, price_yes_after, price_no_after,
			revision, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20
		)`
	_, err := t.q.Exec(ctx, query,
		r.ID, r.MarketID, r.MemberID, string(r.Action), string(r.Outcome),
		r.CollateralIn, r.CollateralOut, r.SharesIn, r.SharesOut, r.Fee,
		r.ReservesBefore.Yes, r.ReservesBefore.No, r.ReservesAfter.Yes, r.ReservesAfter.No,
		r.PriceBefore.Yes, r.PriceBefore.No, r.PriceAfter.Yes, r.PriceAfter.No,
		r.Revision, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) Settlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	s, err := scanSettlement(t.q.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.Settlement{}, notFound(err, "settlement for market %s", marketID)
	}
	return s, nil
}

func (t *pgTx) SaveSettlement(ctx context.Context, s domain.Settlement, expectedRevision int64) error {
	args := []any{
		s.MarketID, string(s.State), string(s.Outcome.Result), nullJSON(s.Outcome.Evidence),
		s.Outcome.SourceRef, s.Outcome.Adapter, s.Outcome.Confidence, nullTime(s.Outcome.ResolvedAt),
		s.ProposedAt, s.DisputeEndsAt, s.FinalizedAt, s.FinalizedBy, s.Overridden,
		s.CancelReason, s.UpdatedAt,
	}

	var query string
	if expectedRevision == 0 {
		query = `
			INSERT INTO settlements (
				market_id, state, result, evidence, source_ref, adapter, confidence,
				resolved_at, proposed_at, dispute_ends_at, finalized_at, finalized_by,
				overridden, cancel_reason, updated_at, revision
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
			ON CONFLICT (market_id) DO NOTHING`
	} else {
		query = `
			UPDATE settlements SET
				state           = $2,
				result          = $3,
				evidence        = $4,
				source_ref      = $5,
				adapter         = $6,
				confidence      = $7,
				resolved_at     = $8,
				proposed_at     = $9,
				dispute_ends_at = $10,
				finalized_at    = $11,
				finalized_by    = $12,
				overridden      = $13,
				cancel_reason   = $14,
				updated_at      = $15,
				revision        = revision + 1
			WHERE market_id = $1 AND revision = $16`
		args = append(args, expectedRevision)
	}

	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: save settlement %s: %w", s.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrConcurrencyConflict,
			"settlement %s moved past revision %d", s.MarketID, expectedRevision)
	}
	return nil
}

func (t *pgTx) InsertPayout(ctx context.Context, p domain.Payout) error {
	const query = `
		INSERT INTO payouts (market_id, member_id, outcome, stake, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.q.Exec(ctx, query, p.MarketID, p.MemberID, string(p.Outcome), p.Stake, p.Amount, p.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Errorf(domain.ErrInvalidState, "payout for %s in %s already recorded", p.MemberID, p.MarketID)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert payout %s/%s: %w", p.MarketID, p.MemberID, err)
	}
	return nil
}

func (t *pgTx) SetMarketStatus(ctx context.Context, marketID string, status domain.MarketStatus) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`, marketID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set market %s status: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Errorf(domain.ErrNotFound, "market %s", marketID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
