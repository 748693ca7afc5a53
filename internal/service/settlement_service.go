package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/metrics"
	"github.com/alanyoungcy/predictamm/internal/notify"
	"github.com/alanyoungcy/predictamm/internal/resolution"
	"github.com/alanyoungcy/predictamm/internal/retry"
	"github.com/alanyoungcy/predictamm/internal/settlement"
)

// maxReasonLen bounds a stored cancellation reason.
const maxReasonLen = 500

// SettlementDeps are the collaborators of a SettlementService. Locks, Cache,
// Bus, Notifier and Metrics may be nil. Pools is required when Cache is set.
type SettlementDeps struct {
	Settle      *settlement.Service
	Registry    *resolution.Registry
	Markets     domain.MarketStore
	Pools       domain.PoolStore
	Settlements domain.SettlementStore
	Audit       domain.AuditStore
	Locks       domain.LockManager
	LockTTL     time.Duration
	Cache       domain.PoolCache
	Bus         domain.SignalBus
	Notifier    *notify.Notifier
	Metrics     *metrics.Metrics
	Retry       retry.Policy
}

// SettlementService serialises settlement transitions per market behind a
// distributed lock and fans their results out to the bus, the audit log and
// operator alerts.
type SettlementService struct {
	d        SettlementDeps
	sanitize *bluemonday.Policy
	pub      publisher
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(d SettlementDeps, logger *slog.Logger) *SettlementService {
	if d.Retry.Attempts == 0 {
		d.Retry = retry.DefaultPolicy
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "settlement_service"))
	return &SettlementService{
		d:        d,
		sanitize: bluemonday.StrictPolicy(),
		pub:      publisher{bus: d.Bus, logger: logger},
		logger:   logger,
	}
}

// Get returns a market's settlement.
func (s *SettlementService) Get(ctx context.Context, marketID string) (domain.Settlement, error) {
	return s.d.Settlements.GetByMarket(ctx, marketID)
}

// Payouts returns what a finalized market paid.
func (s *SettlementService) Payouts(ctx context.Context, marketID string) ([]domain.Payout, error) {
	out, err := s.d.Settlements.ListPayouts(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: payouts for %s: %w", marketID, err)
	}
	return out, nil
}

// Propose records an explicit result for a closed market.
func (s *SettlementService) Propose(ctx context.Context, marketID string, outcome domain.SettlementOutcome, actor string) (domain.Settlement, error) {
	var out domain.Settlement
	err := s.withLock(ctx, marketID, func(ctx context.Context) error {
		var err error
		out, err = s.propose(ctx, marketID, outcome, actor)
		return err
	})
	return out, err
}

// ResolveResult is the adapter outcome and, unless it was pending, the
// settlement it proposed.
type ResolveResult struct {
	Outcome    domain.SettlementOutcome `json:"outcome"`
	Settlement *domain.Settlement       `json:"settlement,omitempty"`
}

// ResolveAndPropose asks the registry for the market's result and proposes
// it. A pending result proposes nothing and is not an error.
func (s *SettlementService) ResolveAndPropose(ctx context.Context, marketID, actor string) (ResolveResult, error) {
	var out ResolveResult
	err := s.withLock(ctx, marketID, func(ctx context.Context) error {
		market, err := s.d.Markets.GetByID(ctx, marketID)
		if err != nil {
			return err
		}
		outcome, err := s.d.Registry.Resolve(ctx, market)
		if err != nil {
			return err
		}
		s.d.Metrics.ObserveResolution(outcome)
		out.Outcome = outcome
		if outcome.Result == domain.ResultPending {
			s.logger.DebugContext(ctx, "resolution pending",
				slog.String("market_id", marketID),
				slog.String("adapter", outcome.Adapter),
			)
			return nil
		}
		st, err := s.propose(ctx, marketID, outcome, actor)
		if err != nil {
			return err
		}
		out.Settlement = &st
		return nil
	})
	return out, err
}

// Cancel withdraws a proposed result. The reason is required and is stripped
// of markup and truncated before it is stored or broadcast.
func (s *SettlementService) Cancel(ctx context.Context, marketID, reason, actor string) (domain.Settlement, error) {
	reason = s.cleanReason(reason)
	if reason == "" {
		return domain.Settlement{}, domain.Errorf(domain.ErrInvalidState, "a cancel reason is required")
	}
	var out domain.Settlement
	err := s.withLock(ctx, marketID, func(ctx context.Context) error {
		st, _, err := retry.Do(ctx, s.d.Retry, func(ctx context.Context, _ int) (domain.Settlement, error) {
			return s.d.Settle.Cancel(ctx, marketID, reason)
		})
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return domain.Settlement{}, err
	}

	s.d.Metrics.ObserveTransition("cancel")
	s.pub.publish(ctx, domain.ChannelSettlements, Event{Type: EventSettlementCancelled, MarketID: marketID, Data: out, At: out.UpdatedAt})
	auditLog(ctx, s.d.Audit, s.logger, "settlement_cancelled", map[string]any{
		"market_id": marketID,
		"reason":    reason,
		"actor":     actor,
	})
	s.alert(ctx, notify.EventSettlementCancelled, "Settlement cancelled",
		fmt.Sprintf("market %s: proposal withdrawn by %s: %s", marketID, actor, reason))
	return out, nil
}

// Finalize credits the winners of a market whose dispute window has ended,
// or immediately when req.Override is set by an operator.
func (s *SettlementService) Finalize(ctx context.Context, marketID string, req settlement.FinalizeRequest) (settlement.FinalizeResult, error) {
	var out settlement.FinalizeResult
	err := s.withLock(ctx, marketID, func(ctx context.Context) error {
		res, _, err := retry.Do(ctx, s.d.Retry, func(ctx context.Context, _ int) (settlement.FinalizeResult, error) {
			return s.d.Settle.Finalize(ctx, marketID, req)
		})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return settlement.FinalizeResult{}, err
	}

	s.d.Metrics.ObserveTransition("finalize")
	s.d.Metrics.ObservePayouts(out.Payouts)
	s.pub.publish(ctx, domain.ChannelSettlements, Event{Type: EventSettlementFinalized, MarketID: marketID, Data: out, At: out.Settlement.UpdatedAt})

	total := "0"
	if len(out.Payouts) > 0 {
		sum := out.Payouts[0].Amount
		for _, p := range out.Payouts[1:] {
			sum = sum.Add(p.Amount)
		}
		total = sum.String()
	}
	auditLog(ctx, s.d.Audit, s.logger, "settlement_finalized", map[string]any{
		"market_id":  marketID,
		"result":     string(out.Settlement.Outcome.Result),
		"payouts":    len(out.Payouts),
		"total_paid": total,
		"actor":      out.Settlement.FinalizedBy,
		"override":   req.Override,
	})
	s.alert(ctx, notify.EventSettlementFinalized, "Settlement finalized",
		fmt.Sprintf("market %s resolved %s by %s: %d payouts totalling %s",
			marketID, out.Settlement.Outcome.Result, out.Settlement.FinalizedBy, len(out.Payouts), total))
	return out, nil
}

func (s *SettlementService) propose(ctx context.Context, marketID string, outcome domain.SettlementOutcome, actor string) (domain.Settlement, error) {
	st, _, err := retry.Do(ctx, s.d.Retry, func(ctx context.Context, _ int) (domain.Settlement, error) {
		return s.d.Settle.Propose(ctx, marketID, outcome)
	})
	if err != nil {
		return domain.Settlement{}, err
	}

	s.cacheFrozenPool(ctx, marketID)

	s.d.Metrics.ObserveTransition("propose")
	s.pub.publish(ctx, domain.ChannelSettlements, Event{Type: EventSettlementProposed, MarketID: marketID, Data: st, At: st.UpdatedAt})
	auditLog(ctx, s.d.Audit, s.logger, "settlement_proposed", map[string]any{
		"market_id":  marketID,
		"result":     string(st.Outcome.Result),
		"adapter":    st.Outcome.Adapter,
		"source_ref": st.Outcome.SourceRef,
		"confidence": st.Outcome.Confidence,
		"actor":      actor,
	})

	ends := ""
	if st.DisputeEndsAt != nil {
		ends = st.DisputeEndsAt.Format(time.RFC3339)
	}
	s.alert(ctx, notify.EventSettlementProposed, "Settlement proposed",
		fmt.Sprintf("market %s: %s via %s, dispute window ends %s", marketID, st.Outcome.Result, st.Outcome.Adapter, ends))
	return st, nil
}

// cacheFrozenPool writes the pool frozen by a proposal to the cache. Its
// revision is newer than any snapshot a racing reader holds, so the cache
// guard keeps the stale ACTIVE copy out. Deleting the key would not.
func (s *SettlementService) cacheFrozenPool(ctx context.Context, marketID string) {
	if s.d.Cache == nil {
		return
	}
	p, err := s.d.Pools.GetPool(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err == nil {
		err = s.d.Cache.SetPool(ctx, p)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "pool cache refresh failed, evicting",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		_ = s.d.Cache.Invalidate(ctx, marketID)
	}
}

func (s *SettlementService) withLock(ctx context.Context, marketID string, fn func(ctx context.Context) error) error {
	if s.d.Locks == nil {
		return fn(ctx)
	}
	unlock, err := s.d.Locks.Acquire(ctx, "settle:"+marketID, s.d.LockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (s *SettlementService) cleanReason(reason string) string {
	reason = strings.TrimSpace(s.sanitize.Sanitize(reason))
	if r := []rune(reason); len(r) > maxReasonLen {
		reason = string(r[:maxReasonLen])
	}
	return reason
}

func (s *SettlementService) alert(ctx context.Context, event, title, msg string) {
	if err := s.d.Notifier.Notify(ctx, event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "settlement alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
