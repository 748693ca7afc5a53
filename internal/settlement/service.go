package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// DefaultDisputeWindow is how long a proposed result can be cancelled.
const DefaultDisputeWindow = 24 * time.Hour

// Service runs settlement transitions. Each call is one unit of work and
// fails fast on a concurrent transition.
type Service struct {
	uow     domain.UnitOfWork
	markets domain.MarketStore
	base    ParimutuelPolicy
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDisputeWindow overrides DefaultDisputeWindow.
func WithDisputeWindow(w time.Duration) Option {
	return func(s *Service) { s.window = w }
}

// WithPolicy overrides the default parimutuel parameters.
func WithPolicy(p ParimutuelPolicy) Option {
	return func(s *Service) { s.base = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(uow domain.UnitOfWork, markets domain.MarketStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		uow:     uow,
		markets: markets,
		base:    NewParimutuelPolicy(),
		window:  DefaultDisputeWindow,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "settlement")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Propose records outcome for a market whose trading window has closed and
// opens the dispute window. The pool is frozen and the market closed.
func (s *Service) Propose(ctx context.Context, marketID string, outcome domain.SettlementOutcome) (domain.Settlement, error) {
	if outcome.Result != domain.ResultYes && outcome.Result != domain.ResultNo {
		return domain.Settlement{}, domain.Errorf(domain.ErrInvalidState,
			"cannot propose %q for market %s", outcome.Result, marketID)
	}
	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, err
	}
	now := s.now()
	if err := s.checkProposable(market, now); err != nil {
		return domain.Settlement{}, err
	}

	var out domain.Settlement
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, expected, err := loadSettlement(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if cur.State != domain.SettlementOpen {
			return domain.Errorf(domain.ErrInvalidState, "settlement for %s is %s", marketID, cur.State)
		}

		ends := now.Add(s.window)
		proposedAt := now
		next := cur
		next.State = domain.SettlementResolving
		next.Outcome = outcome
		next.ProposedAt = &proposedAt
		next.DisputeEndsAt = &ends
		next.CancelReason = ""
		next.UpdatedAt = now
		if err := tx.SaveSettlement(ctx, next, expected); err != nil {
			return err
		}

		if err := freezePool(ctx, tx, marketID, now); err != nil {
			return err
		}
		if err := tx.SetMarketStatus(ctx, marketID, domain.MarketStatusClosed); err != nil {
			return err
		}
		next.Revision = expected + 1
		out = next
		return nil
	})
	if err != nil {
		return domain.Settlement{}, err
	}

	s.logger.InfoContext(ctx, "settlement proposed",
		slog.String("market_id", marketID),
		slog.String("result", string(outcome.Result)),
		slog.String("adapter", outcome.Adapter),
		slog.Time("dispute_ends_at", *out.DisputeEndsAt),
	)
	return out, nil
}

// Cancel withdraws a proposed result so it can be proposed again.
func (s *Service) Cancel(ctx context.Context, marketID, reason string) (domain.Settlement, error) {
	var out domain.Settlement
	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.Settlement(ctx, marketID)
		if err != nil {
			return err
		}
		if cur.State != domain.SettlementResolving {
			return domain.Errorf(domain.ErrInvalidState, "settlement for %s is %s", marketID, cur.State)
		}

		next := cur
		next.State = domain.SettlementOpen
		next.Outcome = domain.SettlementOutcome{}
		next.ProposedAt = nil
		next.DisputeEndsAt = nil
		next.CancelReason = reason
		next.UpdatedAt = s.now()
		if err := tx.SaveSettlement(ctx, next, cur.Revision); err != nil {
			return err
		}
		next.Revision = cur.Revision + 1
		out = next
		return nil
	})
	if err != nil {
		return domain.Settlement{}, err
	}

	s.logger.InfoContext(ctx, "settlement cancelled",
		slog.String("market_id", marketID),
		slog.String("reason", reason),
	)
	return out, nil
}

// FinalizeRequest controls finalization. Override skips the dispute window
// and requires Actor.
type FinalizeRequest struct {
	Override bool
	Actor    string
}

// FinalizeResult is the finalized settlement and the payouts it credited.
type FinalizeResult struct {
	Settlement  domain.Settlement `json:"settlement"`
	Composition Composition       `json:"composition"`
	Payouts     []domain.Payout   `json:"payouts"`
}

// Finalize closes the dispute window, credits every winning position and
// marks the market resolved. It is irreversible; a second call fails with
// domain.ErrInvalidState.
func (s *Service) Finalize(ctx context.Context, marketID string, req FinalizeRequest) (FinalizeResult, error) {
	if req.Override && req.Actor == "" {
		return FinalizeResult{}, domain.Errorf(domain.ErrUnauthorized, "override finalization requires an actor")
	}
	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return FinalizeResult{}, err
	}
	policy, err := PolicyFor(market.Type, s.base)
	if err != nil {
		return FinalizeResult{}, err
	}

	var out FinalizeResult
	err = s.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.Settlement(ctx, marketID)
		if err != nil {
			return err
		}
		switch cur.State {
		case domain.SettlementFinalized:
			return domain.Errorf(domain.ErrInvalidState, "market %s is already finalized", marketID)
		case domain.SettlementOpen:
			return domain.Errorf(domain.ErrInvalidState, "market %s has no proposed result", marketID)
		}

		now := s.now()
		if !req.Override && cur.DisputeEndsAt != nil && now.Before(*cur.DisputeEndsAt) {
			return domain.Errorf(domain.ErrInvalidState,
				"dispute window for %s open until %s", marketID, cur.DisputeEndsAt.Format(time.RFC3339))
		}

		winner, err := policy.WinningChoice(cur.Outcome.Result)
		if err != nil {
			return err
		}

		pool, err := tx.Pool(ctx, marketID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		positions, err := tx.PositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}

		comp := ComposePools(pool, positions, winner)
		awards, err := ComputeAwards(policy, comp, positions, winner)
		if err != nil {
			return err
		}

		payouts := make([]domain.Payout, 0, len(awards))
		for _, a := range awards {
			p := domain.Payout{
				MarketID:  marketID,
				MemberID:  a.Position.MemberID,
				Outcome:   a.Position.Outcome,
				Stake:     a.Position.CostBasis,
				Amount:    a.Amount,
				CreatedAt: now,
			}
			if p.Amount.IsPositive() {
				if err := tx.Credit(ctx, p.MemberID, p.Amount); err != nil {
					return err
				}
			}
			if err := tx.InsertPayout(ctx, p); err != nil {
				return err
			}
			payouts = append(payouts, p)
		}

		next := cur
		next.State = domain.SettlementFinalized
		next.FinalizedAt = &now
		next.FinalizedBy = req.Actor
		if next.FinalizedBy == "" {
			next.FinalizedBy = "system"
		}
		next.Overridden = req.Override
		next.UpdatedAt = now
		if err := tx.SaveSettlement(ctx, next, cur.Revision); err != nil {
			return err
		}
		if err := tx.SetMarketStatus(ctx, marketID, domain.MarketStatusResolved); err != nil {
			return err
		}
		next.Revision = cur.Revision + 1

		out = FinalizeResult{Settlement: next, Composition: comp, Payouts: payouts}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	s.logger.InfoContext(ctx, "settlement finalized",
		slog.String("market_id", marketID),
		slog.String("result", string(out.Settlement.Outcome.Result)),
		slog.Int("payouts", len(out.Payouts)),
		slog.String("total_paid", totalPaid(out.Payouts).String()),
		slog.Bool("override", req.Override),
	)
	return out, nil
}

func (s *Service) checkProposable(m domain.Market, now time.Time) error {
	switch m.Status {
	case domain.MarketStatusCancelled, domain.MarketStatusResolved:
		return domain.Errorf(domain.ErrInvalidState, "market %s is %s", m.ID, m.Status)
	case domain.MarketStatusClosed:
		return nil
	}
	if m.ClosesAt.IsZero() || now.Before(m.ClosesAt) {
		return domain.Errorf(domain.ErrInvalidState, "market %s is still trading", m.ID)
	}
	return nil
}

// loadSettlement returns the current settlement and the revision a save must
// expect, or a fresh OPEN settlement with expected revision 0.
func loadSettlement(ctx context.Context, tx domain.Tx, marketID string) (domain.Settlement, int64, error) {
	cur, err := tx.Settlement(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Settlement{MarketID: marketID, State: domain.SettlementOpen}, 0, nil
	}
	if err != nil {
		return domain.Settlement{}, 0, err
	}
	return cur, cur.Revision, nil
}

func freezePool(ctx context.Context, tx domain.Tx, marketID string, now time.Time) error {
	pool, err := tx.Pool(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pool.Status == domain.PoolStatusClosed {
		return nil
	}
	expected := pool.Revision
	pool.Status = domain.PoolStatusClosed
	pool.UpdatedAt = now
	return tx.UpdatePool(ctx, pool, expected)
}

func totalPaid(ps []domain.Payout) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range ps {
		sum = sum.Add(p.Amount)
	}
	return sum
}
