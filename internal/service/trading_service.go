package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/amm"
	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/metrics"
	"github.com/alanyoungcy/predictamm/internal/notify"
	"github.com/alanyoungcy/predictamm/internal/pool"
	"github.com/alanyoungcy/predictamm/internal/retry"
)

// TradingDeps are the collaborators of a TradingService. Cache, Bus,
// Notifier and Metrics may be nil.
type TradingDeps struct {
	Engine    *pool.Engine
	Markets   domain.MarketStore
	Pools     domain.PoolStore
	Positions domain.PositionStore
	Trades    domain.TradeStore
	Balances  domain.BalanceStore
	Audit     domain.AuditStore
	Cache     domain.PoolCache
	Bus       domain.SignalBus
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Retry     retry.Policy
}

// TradingService executes swaps with bounded retry and serves the read side
// of markets, pools, positions and balances.
type TradingService struct {
	d      TradingDeps
	pub    publisher
	logger *slog.Logger
}

// NewTradingService creates a TradingService.
func NewTradingService(d TradingDeps, logger *slog.Logger) *TradingService {
	if d.Retry.Attempts == 0 {
		d.Retry = retry.DefaultPolicy
	}
	logger = logger.With(slog.String("component", "trading_service"))
	return &TradingService{d: d, pub: publisher{bus: d.Bus, logger: logger}, logger: logger}
}

// Swap executes req, retrying only on concurrency conflicts. Every attempt
// re-reads the pool, the position and the balance.
func (s *TradingService) Swap(ctx context.Context, req pool.SwapRequest) (domain.TradeResult, error) {
	start := time.Now()
	res, attempts, err := retry.Do(ctx, s.d.Retry, func(ctx context.Context, attempt int) (domain.TradeResult, error) {
		if attempt > 1 {
			s.logger.DebugContext(ctx, "retrying swap",
				slog.String("market_id", req.MarketID),
				slog.Int("attempt", attempt),
			)
		}
		return s.d.Engine.ExecuteSwap(ctx, req)
	})
	if err != nil {
		s.d.Metrics.ObserveSwapFailure(err, attempts)
		if errors.Is(err, domain.ErrInvariantViolation) {
			s.alertInvariant(ctx, req, err)
		}
		return domain.TradeResult{}, err
	}
	s.d.Metrics.ObserveSwap(res, attempts, time.Since(start))

	s.cachePool(ctx, res.Pool)
	at := res.Trade.CreatedAt
	s.pub.publish(ctx, domain.ChannelTrades, Event{Type: EventTrade, MarketID: req.MarketID, Data: res.Trade, At: at})
	s.pub.publish(ctx, domain.ChannelPoolPrefix+req.MarketID, Event{Type: EventPoolUpdated, MarketID: req.MarketID, Data: res.Pool, At: at})
	s.pub.append(ctx, domain.StreamTrades, Event{Type: EventTrade, MarketID: req.MarketID, Data: res.Trade, At: at})

	auditLog(ctx, s.d.Audit, s.logger, "swap", map[string]any{
		"trade_id":  res.Trade.ID,
		"market_id": req.MarketID,
		"member_id": req.MemberID,
		"action":    string(req.Action),
		"outcome":   string(req.Outcome),
		"amount":    req.Amount.String(),
		"fee":       res.Fee.String(),
		"revision":  res.Pool.Revision,
		"attempts":  attempts,
	})

	s.logger.InfoContext(ctx, "swap executed",
		slog.String("market_id", req.MarketID),
		slog.String("member_id", req.MemberID),
		slog.String("action", string(req.Action)),
		slog.String("outcome", string(req.Outcome)),
		slog.String("amount", req.Amount.String()),
		slog.Int64("revision", res.Pool.Revision),
		slog.Int("attempts", attempts),
	)
	return res, nil
}

// Quote simulates req against the committed pool.
func (s *TradingService) Quote(ctx context.Context, req pool.SwapRequest) (domain.TradeResult, error) {
	return s.d.Engine.SimulateSwap(ctx, req)
}

// Seed creates a market's pool.
func (s *TradingService) Seed(ctx context.Context, req pool.SeedRequest) (domain.LiquidityPool, error) {
	p, err := s.d.Engine.SeedPool(ctx, req)
	if err != nil {
		return domain.LiquidityPool{}, err
	}
	s.cachePool(ctx, p)
	s.pub.publish(ctx, domain.ChannelPoolPrefix+p.MarketID, Event{Type: EventPoolSeeded, MarketID: p.MarketID, Data: p, At: p.CreatedAt})
	auditLog(ctx, s.d.Audit, s.logger, "pool_seeded", map[string]any{
		"market_id":  p.MarketID,
		"collateral": p.InitialLiquidity.String(),
		"fee_rate":   p.FeeRate.String(),
		"funder_id":  req.FunderID,
	})
	return p, nil
}

// Pool returns the latest pool snapshot, from the cache when it holds one.
// Reads never take part in the revision check.
func (s *TradingService) Pool(ctx context.Context, marketID string) (domain.LiquidityPool, error) {
	if s.d.Cache != nil {
		p, err := s.d.Cache.GetPool(ctx, marketID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "pool cache read failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	p, err := s.d.Pools.GetPool(ctx, marketID)
	if err != nil {
		return domain.LiquidityPool{}, err
	}
	s.cachePool(ctx, p)
	return p, nil
}

// Prices returns the current marginal prices of a market.
func (s *TradingService) Prices(ctx context.Context, marketID string) (domain.Prices, error) {
	p, err := s.Pool(ctx, marketID)
	if err != nil {
		return domain.Prices{}, err
	}
	return amm.Price(p.Reserves())
}

// PriceHistory rebuilds the price path from the trade log. The first page
// starts with the price before the first listed trade.
func (s *TradingService) PriceHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PricePoint, error) {
	trades, err := s.d.Trades.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("trading_service: history for %s: %w", marketID, err)
	}
	if len(trades) == 0 {
		p, err := s.Pool(ctx, marketID)
		if err != nil {
			return nil, err
		}
		prices, err := amm.Price(p.Reserves())
		if err != nil {
			return nil, err
		}
		return []domain.PricePoint{{Time: p.UpdatedAt, Revision: p.Revision, Prices: prices}}, nil
	}

	points := make([]domain.PricePoint, 0, len(trades)+1)
	if opts.Offset == 0 && opts.Since == nil {
		first := trades[0]
		points = append(points, domain.PricePoint{
			Time:     first.CreatedAt,
			Revision: first.Revision - 1,
			Prices:   first.PriceBefore,
		})
	}
	for _, t := range trades {
		points = append(points, domain.PricePoint{Time: t.CreatedAt, Revision: t.Revision, Prices: t.PriceAfter})
	}
	return points, nil
}

// Trades returns a market's trade log, oldest first.
func (s *TradingService) Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	trades, err := s.d.Trades.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("trading_service: trades for %s: %w", marketID, err)
	}
	return trades, nil
}

// Positions returns every position a member holds.
func (s *TradingService) Positions(ctx context.Context, memberID string) ([]domain.Position, error) {
	out, err := s.d.Positions.ListByMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("trading_service: positions for %s: %w", memberID, err)
	}
	return out, nil
}

// Balance returns a member's ledger balance.
func (s *TradingService) Balance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	return s.d.Balances.Balance(ctx, memberID)
}

// Deposit credits a member's ledger on an operator's behalf.
func (s *TradingService) Deposit(ctx context.Context, memberID string, amount decimal.Decimal, actor string) (decimal.Decimal, error) {
	bal, err := s.d.Balances.Deposit(ctx, memberID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	auditLog(ctx, s.d.Audit, s.logger, "deposit", map[string]any{
		"member_id": memberID,
		"amount":    amount.String(),
		"balance":   bal.String(),
		"actor":     actor,
	})
	return bal, nil
}

// Market returns a market.
func (s *TradingService) Market(ctx context.Context, marketID string) (domain.Market, error) {
	return s.d.Markets.GetByID(ctx, marketID)
}

// UpsertMarket records a market on behalf of the lifecycle collaborator.
func (s *TradingService) UpsertMarket(ctx context.Context, m domain.Market, actor string) (domain.Market, error) {
	if strings.TrimSpace(m.ID) == "" {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidState, "market id is required")
	}
	switch m.Type {
	case "":
		m.Type = domain.MarketTypeBinary
	case domain.MarketTypeBinary, domain.MarketTypeOpinion:
	default:
		return domain.Market{}, domain.Errorf(domain.ErrInvalidState, "unknown market type %q", m.Type)
	}
	if m.Status == "" {
		m.Status = domain.MarketStatusActive
	}
	if !m.OpensAt.IsZero() && !m.ClosesAt.IsZero() && !m.ClosesAt.After(m.OpensAt) {
		return domain.Market{}, domain.Errorf(domain.ErrInvalidState, "market %s closes before it opens", m.ID)
	}
	if err := s.d.Markets.Upsert(ctx, m); err != nil {
		return domain.Market{}, err
	}
	auditLog(ctx, s.d.Audit, s.logger, "market_upserted", map[string]any{
		"market_id": m.ID,
		"status":    string(m.Status),
		"category":  string(m.Category),
		"actor":     actor,
	})
	return s.d.Markets.GetByID(ctx, m.ID)
}

func (s *TradingService) cachePool(ctx context.Context, p domain.LiquidityPool) {
	if s.d.Cache == nil {
		return
	}
	if err := s.d.Cache.SetPool(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "pool cache write failed",
			slog.String("market_id", p.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradingService) alertInvariant(ctx context.Context, req pool.SwapRequest, cause error) {
	msg := fmt.Sprintf("market %s: %s %s %s by %s refused: %s",
		req.MarketID, req.Action, req.Amount, req.Outcome, req.MemberID, domain.Reason(cause))
	if err := s.d.Notifier.Notify(ctx, notify.EventInvariantViolation, "Pool invariant violation", msg); err != nil {
		s.logger.WarnContext(ctx, "invariant alert failed", slog.String("error", err.Error()))
	}
}
