// Package pool applies swaps and seeding to a market's liquidity pool inside
// a single unit of work. It never retries: a revision conflict surfaces as
// domain.ErrConcurrencyConflict for the caller's retry loop.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/amm"
	"github.com/alanyoungcy/predictamm/internal/domain"
)

// SwapRequest is one buy or sell. Amount is collateral for a buy and shares
// for a sell. PriceLimit, when set, bounds the traded outcome's post-trade
// price: a buy fails above it and a sell fails below it.
type SwapRequest struct {
	MemberID   string
	MarketID   string
	Action     domain.Action
	Outcome    domain.Outcome
	Amount     decimal.Decimal
	PriceLimit *decimal.Decimal
}

// SeedRequest creates a pool.
type SeedRequest struct {
	MarketID   string
	Collateral decimal.Decimal
	FeeRate    decimal.Decimal
	// FunderID, when set, is debited the seed collateral.
	FunderID string
}

// Engine is the pool state machine.
type Engine struct {
	uow      domain.UnitOfWork
	markets  domain.MarketStore
	minTrade decimal.Decimal
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMinTrade sets the smallest accepted swap amount.
func WithMinTrade(min decimal.Decimal) Option {
	return func(e *Engine) { e.minTrade = min }
}

// NewEngine creates an Engine.
func NewEngine(uow domain.UnitOfWork, markets domain.MarketStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		uow:      uow,
		markets:  markets,
		minTrade: amm.Unit,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "pool_engine")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteSwap runs req once in its own unit of work. Every failure leaves no
// committed state behind.
func (e *Engine) ExecuteSwap(ctx context.Context, req SwapRequest) (domain.TradeResult, error) {
	if err := e.validate(req); err != nil {
		return domain.TradeResult{}, err
	}
	market, err := e.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.TradeResult{}, err
	}

	var result domain.TradeResult
	err = e.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := e.now()
		pool, err := e.tradablePool(ctx, tx, market, now)
		if err != nil {
			return err
		}

		pos, err := e.loadPosition(ctx, tx, req, now)
		if err != nil {
			return err
		}

		result, err = e.apply(pool, pos, req, now)
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				e.logger.ErrorContext(ctx, "pool invariant violated",
					slog.String("market_id", pool.MarketID),
					slog.Int64("revision", pool.Revision),
					slog.String("yes_reserve", pool.YesReserve.String()),
					slog.String("no_reserve", pool.NoReserve.String()),
					slog.String("action", string(req.Action)),
					slog.String("outcome", string(req.Outcome)),
					slog.String("amount", req.Amount.String()),
					slog.String("error", err.Error()),
				)
			}
			return err
		}

		switch req.Action {
		case domain.ActionBuy:
			if err := tx.Deduct(ctx, req.MemberID, result.CollateralIn); err != nil {
				return err
			}
		case domain.ActionSell:
			if err := tx.Credit(ctx, req.MemberID, result.CollateralOut); err != nil {
				return err
			}
		}

		if err := tx.UpdatePool(ctx, result.Pool, pool.Revision); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, result.Position); err != nil {
			return err
		}

		rec := &domain.TradeRecord{
			ID:             uuid.NewString(),
			MarketID:       req.MarketID,
			MemberID:       req.MemberID,
			Action:         req.Action,
			Outcome:        req.Outcome,
			CollateralIn:   result.CollateralIn,
			CollateralOut:  result.CollateralOut,
			SharesIn:       result.SharesIn,
			SharesOut:      result.SharesOut,
			Fee:            result.Fee,
			ReservesBefore: pool.Reserves(),
			ReservesAfter:  result.Pool.Reserves(),
			PriceBefore:    result.PriceBefore,
			PriceAfter:     result.PriceAfter,
			Revision:       result.Pool.Revision,
			CreatedAt:      now,
		}
		if err := tx.AppendTrade(ctx, *rec); err != nil {
			return err
		}
		result.Trade = rec
		return nil
	})
	if err != nil {
		return domain.TradeResult{}, err
	}
	return result, nil
}

// SimulateSwap computes what ExecuteSwap would return against the current
// committed state. Nothing is written and the revision does not move.
func (e *Engine) SimulateSwap(ctx context.Context, req SwapRequest) (domain.TradeResult, error) {
	if err := e.validate(req); err != nil {
		return domain.TradeResult{}, err
	}
	market, err := e.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.TradeResult{}, err
	}

	var result domain.TradeResult
	errDiscard := errors.New("simulation")
	err = e.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := e.now()
		pool, err := e.tradablePool(ctx, tx, market, now)
		if err != nil {
			return err
		}
		pos, err := e.loadPosition(ctx, tx, req, now)
		if err != nil {
			return err
		}
		result, err = e.apply(pool, pos, req, now)
		if err != nil {
			return err
		}
		return errDiscard
	})
	if err != nil && !errors.Is(err, errDiscard) {
		return domain.TradeResult{}, err
	}
	return result, nil
}

// SeedPool creates the market's pool with both reserves equal to the seed
// collateral, so the opening price is exactly 0.5/0.5.
func (e *Engine) SeedPool(ctx context.Context, req SeedRequest) (domain.LiquidityPool, error) {
	if req.Collateral.LessThan(amm.MinReserve) {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrAmountTooSmall,
			"seed collateral %s below minimum reserve %s", req.Collateral, amm.MinReserve)
	}
	if req.FeeRate.IsNegative() || !req.FeeRate.LessThan(decimal.NewFromInt(1)) {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrInvalidState, "fee rate %s outside [0,1)", req.FeeRate)
	}
	market, err := e.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.LiquidityPool{}, err
	}
	if market.Status == domain.MarketStatusClosed || market.Status == domain.MarketStatusCancelled ||
		market.Status == domain.MarketStatusResolved {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrInvalidState,
			"market %s is %s", market.ID, market.Status)
	}

	var seeded domain.LiquidityPool
	err = e.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Pool(ctx, req.MarketID)
		switch {
		case err == nil:
			return domain.Errorf(domain.ErrInvalidState, "pool for market %s already seeded", req.MarketID)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		if req.FunderID != "" {
			if err := tx.Deduct(ctx, req.FunderID, req.Collateral); err != nil {
				return err
			}
		}

		now := e.now()
		seeded = domain.LiquidityPool{
			MarketID:         req.MarketID,
			YesReserve:       req.Collateral,
			NoReserve:        req.Collateral,
			FeeRate:          req.FeeRate,
			CollateralLocked: req.Collateral,
			InitialLiquidity: req.Collateral,
			TotalVolume:      decimal.Zero,
			TotalFees:        decimal.Zero,
			Revision:         1,
			Status:           domain.PoolStatusActive,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.InsertPool(ctx, seeded)
	})
	if err != nil {
		return domain.LiquidityPool{}, err
	}

	e.logger.InfoContext(ctx, "pool seeded",
		slog.String("market_id", seeded.MarketID),
		slog.String("collateral", seeded.InitialLiquidity.String()),
		slog.String("fee_rate", seeded.FeeRate.String()),
	)
	return seeded, nil
}

// tradablePool loads the market's pool and fails with ErrInvalidState unless
// the market window is open and the pool is not frozen.
func (e *Engine) tradablePool(ctx context.Context, tx domain.Tx, market domain.Market, now time.Time) (domain.LiquidityPool, error) {
	if !market.TradingOpen(now) {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrInvalidState, "market %s is not open for trading", market.ID)
	}
	pool, err := tx.Pool(ctx, market.ID)
	if err != nil {
		return domain.LiquidityPool{}, err
	}
	if pool.Status != domain.PoolStatusActive {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrInvalidState, "pool for market %s is %s", pool.MarketID, pool.Status)
	}
	return pool, nil
}

func (e *Engine) validate(req SwapRequest) error {
	if req.MemberID == "" || req.MarketID == "" {
		return domain.Errorf(domain.ErrInvalidState, "member and market are required")
	}
	if req.Action != domain.ActionBuy && req.Action != domain.ActionSell {
		return domain.Errorf(domain.ErrInvalidState, "unknown action %q", req.Action)
	}
	if req.Outcome != domain.OutcomeYes && req.Outcome != domain.OutcomeNo {
		return domain.Errorf(domain.ErrInvalidState, "unknown outcome %q", req.Outcome)
	}
	if !req.Amount.IsPositive() {
		return domain.Errorf(domain.ErrAmountTooSmall, "amount must be positive, got %s", req.Amount)
	}
	if req.Amount.LessThan(e.minTrade) {
		return domain.Errorf(domain.ErrAmountTooSmall, "amount %s below minimum %s", req.Amount, e.minTrade)
	}
	return nil
}

func (e *Engine) loadPosition(ctx context.Context, tx domain.Tx, req SwapRequest, now time.Time) (domain.Position, error) {
	key := domain.PositionKey{MemberID: req.MemberID, MarketID: req.MarketID, Outcome: req.Outcome}
	pos, err := tx.Position(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		if req.Action == domain.ActionSell {
			return domain.Position{}, domain.Errorf(domain.ErrInsufficientShares,
				"member %s holds no %s shares in %s", req.MemberID, req.Outcome, req.MarketID)
		}
		return domain.Position{
			MemberID:   req.MemberID,
			MarketID:   req.MarketID,
			Outcome:    req.Outcome,
			SharesHeld: decimal.Zero,
			CostBasis:  decimal.Zero,
			CreatedAt:  now,
		}, nil
	}
	return pos, err
}

// apply computes the next pool and position for req without touching storage.
func (e *Engine) apply(pool domain.LiquidityPool, pos domain.Position, req SwapRequest, now time.Time) (domain.TradeResult, error) {
	before, err := amm.Price(pool.Reserves())
	if err != nil {
		return domain.TradeResult{}, err
	}

	res := domain.TradeResult{
		MarketID:      req.MarketID,
		Action:        req.Action,
		Outcome:       req.Outcome,
		CollateralIn:  decimal.Zero,
		CollateralOut: decimal.Zero,
		SharesIn:      decimal.Zero,
		SharesOut:     decimal.Zero,
		PriceBefore:   before,
	}
	next := pool

	switch req.Action {
	case domain.ActionBuy:
		b, err := amm.Buy(pool.Reserves(), req.Amount, pool.FeeRate, req.Outcome)
		if err != nil {
			return domain.TradeResult{}, err
		}
		next = next.WithReserves(b.After)
		next.CollateralLocked = pool.CollateralLocked.Add(b.NetCollateral)
		next.TotalVolume = pool.TotalVolume.Add(req.Amount)
		next.TotalFees = pool.TotalFees.Add(b.Fee)

		pos.SharesHeld = pos.SharesHeld.Add(b.SharesOut)
		pos.CostBasis = pos.CostBasis.Add(req.Amount)

		res.CollateralIn = req.Amount
		res.SharesOut = b.SharesOut
		res.Fee = b.Fee

	case domain.ActionSell:
		if pos.SharesHeld.LessThan(req.Amount) {
			return domain.TradeResult{}, domain.Errorf(domain.ErrInsufficientShares,
				"member %s holds %s %s shares, selling %s", req.MemberID, pos.SharesHeld, req.Outcome, req.Amount)
		}
		s, err := amm.Sell(pool.Reserves(), req.Amount, pool.FeeRate, req.Outcome)
		if err != nil {
			return domain.TradeResult{}, err
		}
		next = next.WithReserves(s.After)
		next.CollateralLocked = pool.CollateralLocked.Sub(s.GrossOut)
		next.TotalVolume = pool.TotalVolume.Add(s.GrossOut)
		next.TotalFees = pool.TotalFees.Add(s.Fee)

		reduction := amm.DivDown(pos.CostBasis.Mul(req.Amount), pos.SharesHeld)
		pos.CostBasis = pos.CostBasis.Sub(reduction)
		pos.SharesHeld = pos.SharesHeld.Sub(req.Amount)

		res.SharesIn = req.Amount
		res.CollateralOut = s.CollateralOut
		res.Fee = s.Fee
	}

	after, err := amm.Price(next.Reserves())
	if err != nil {
		return domain.TradeResult{}, err
	}
	if req.PriceLimit != nil {
		p := after.Of(req.Outcome)
		if req.Action == domain.ActionBuy && p.GreaterThan(*req.PriceLimit) {
			return domain.TradeResult{}, domain.Errorf(domain.ErrSlippageExceeded,
				"%s price would rise to %s, limit %s", req.Outcome, p, *req.PriceLimit)
		}
		if req.Action == domain.ActionSell && p.LessThan(*req.PriceLimit) {
			return domain.TradeResult{}, domain.Errorf(domain.ErrSlippageExceeded,
				"%s price would fall to %s, limit %s", req.Outcome, p, *req.PriceLimit)
		}
	}

	next.Revision = pool.Revision + 1
	next.UpdatedAt = now
	pos.UpdatedAt = now

	res.PriceAfter = after
	res.Pool = next
	res.Position = pos
	return res, nil
}
