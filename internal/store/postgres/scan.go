package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so scan helpers can
// serve the read stores and the unit of work alike.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NUMERIC columns are selected as text and scanned through
// decimal.Decimal's sql.Scanner so no precision passes through float64.

const poolSelectCols = `market_id, yes_reserve::text, no_reserve::text, fee_rate::text,
	collateral_locked::text, initial_liquidity::text, total_volume::text, total_fees::text,
	revision, status, created_at, updated_at`

func scanPool(row pgx.Row) (domain.LiquidityPool, error) {
	var p domain.LiquidityPool
	var status string
	err := row.Scan(
		&p.MarketID, &p.YesReserve, &p.NoReserve, &p.FeeRate,
		&p.CollateralLocked, &p.InitialLiquidity, &p.TotalVolume, &p.TotalFees,
		&p.Revision, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Status = domain.PoolStatus(status)
	return p, err
}

const positionSelectCols = `member_id, market_id, outcome, shares_held::text, cost_basis::text,
	created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var outcome string
	err := row.Scan(&p.MemberID, &p.MarketID, &outcome, &p.SharesHeld, &p.CostBasis, &p.CreatedAt, &p.UpdatedAt)
	p.Outcome = domain.Outcome(outcome)
	return p, err
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func queryPositions(ctx context.Context, q querier, where string, arg any) ([]domain.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE `+where+`
		 ORDER BY market_id, member_id, outcome`, arg)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

const settlementSelectCols = `market_id, state, result, evidence, source_ref, adapter, confidence,
	resolved_at, proposed_at, dispute_ends_at, finalized_at, finalized_by, overridden,
	cancel_reason, revision, updated_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var s domain.Settlement
	var state, result string
	var evidence []byte
	var resolvedAt *time.Time
	err := row.Scan(
		&s.MarketID, &state, &result, &evidence, &s.Outcome.SourceRef, &s.Outcome.Adapter,
		&s.Outcome.Confidence, &resolvedAt, &s.ProposedAt, &s.DisputeEndsAt, &s.FinalizedAt,
		&s.FinalizedBy, &s.Overridden, &s.CancelReason, &s.Revision, &s.UpdatedAt,
	)
	s.State = domain.SettlementState(state)
	s.Outcome.Result = domain.Result(result)
	s.Outcome.Evidence = evidence
	if resolvedAt != nil {
		s.Outcome.ResolvedAt = *resolvedAt
	}
	return s, err
}

func collectSettlements(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Errorf(domain.ErrNotFound, format, args...)
	}
	return fmt.Errorf("postgres: "+format+": %w", append(args, err)...)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
