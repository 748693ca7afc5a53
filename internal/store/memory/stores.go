package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct{ db *DB }

// NewMarketStore creates a MarketStore.
func NewMarketStore(db *DB) *MarketStore { return &MarketStore{db: db} }

func (s *MarketStore) Upsert(_ context.Context, m domain.Market) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.db.markets[m.ID]; ok {
		m.CreatedAt = prev.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.db.markets[m.ID] = m
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.markets[id]
	if !ok {
		return domain.Market{}, domain.Errorf(domain.ErrNotFound, "market %s", id)
	}
	return m, nil
}

func (s *MarketStore) ListAwaitingResolution(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var out []domain.Market
	for _, m := range s.db.markets {
		if m.Status != domain.MarketStatusActive && m.Status != domain.MarketStatusClosed {
			continue
		}
		if m.ClosesAt.IsZero() || m.ClosesAt.After(now) {
			continue
		}
		if st, ok := s.db.settlements[m.ID]; ok && st.State != domain.SettlementOpen {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosesAt.Before(out[j].ClosesAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PoolStore implements domain.PoolStore.
type PoolStore struct{ db *DB }

// NewPoolStore creates a PoolStore.
func NewPoolStore(db *DB) *PoolStore { return &PoolStore{db: db} }

func (s *PoolStore) GetPool(_ context.Context, marketID string) (domain.LiquidityPool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.pools[marketID]
	if !ok {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrNotFound, "no pool for market %s", marketID)
	}
	return p, nil
}

func (s *PoolStore) ListPools(_ context.Context, opts domain.ListOpts) ([]domain.LiquidityPool, error) {
	s.db.mu.Lock()
	pools := make([]domain.LiquidityPool, 0, len(s.db.pools))
	for _, p := range s.db.pools {
		if inWindow(p.CreatedAt, opts) {
			pools = append(pools, p)
		}
	}
	s.db.mu.Unlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].MarketID < pools[j].MarketID })
	lo, hi := page(len(pools), opts)
	return pools[lo:hi], nil
}

// PositionStore implements domain.PositionStore.
type PositionStore struct{ db *DB }

// NewPositionStore creates a PositionStore.
func NewPositionStore(db *DB) *PositionStore { return &PositionStore{db: db} }

func (s *PositionStore) ListByMember(_ context.Context, memberID string) ([]domain.Position, error) {
	return s.filter(func(k domain.PositionKey) bool { return k.MemberID == memberID }), nil
}

func (s *PositionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	return s.filter(func(k domain.PositionKey) bool { return k.MarketID == marketID }), nil
}

func (s *PositionStore) filter(keep func(domain.PositionKey) bool) []domain.Position {
	s.db.mu.Lock()
	var out []domain.Position
	for k, p := range s.db.positions {
		if keep(k) {
			out = append(out, p)
		}
	}
	s.db.mu.Unlock()
	sortPositions(out)
	return out
}

// TradeStore implements domain.TradeStore.
type TradeStore struct{ db *DB }

// NewTradeStore creates a TradeStore.
func NewTradeStore(db *DB) *TradeStore { return &TradeStore{db: db} }

func (s *TradeStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	s.db.mu.Lock()
	var out []domain.TradeRecord
	for _, t := range s.db.trades {
		if t.MarketID == marketID && inWindow(t.CreatedAt, opts) {
			out = append(out, t)
		}
	}
	s.db.mu.Unlock()

	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}

func (s *TradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.TradeRecord
	for _, t := range s.db.trades {
		if t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct{ db *DB }

// NewSettlementStore creates a SettlementStore.
func NewSettlementStore(db *DB) *SettlementStore { return &SettlementStore{db: db} }

func (s *SettlementStore) GetByMarket(_ context.Context, marketID string) (domain.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.settlements[marketID]
	if !ok {
		return domain.Settlement{}, domain.Errorf(domain.ErrNotFound, "no settlement for market %s", marketID)
	}
	return st, nil
}

func (s *SettlementStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	s.db.mu.Lock()
	var out []domain.Settlement
	for _, st := range s.db.settlements {
		if st.State == domain.SettlementResolving && st.DisputeEndsAt != nil && !st.DisputeEndsAt.After(now) {
			out = append(out, st)
		}
	}
	s.db.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DisputeEndsAt.Before(*out[j].DisputeEndsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SettlementStore) ListFinalizedBefore(_ context.Context, before time.Time) ([]domain.Settlement, error) {
	s.db.mu.Lock()
	var out []domain.Settlement
	for _, st := range s.db.settlements {
		if st.State == domain.SettlementFinalized && st.FinalizedAt != nil && st.FinalizedAt.Before(before) {
			out = append(out, st)
		}
	}
	s.db.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.Before(*out[j].FinalizedAt) })
	return out, nil
}

func (s *SettlementStore) ListPayouts(_ context.Context, marketID string) ([]domain.Payout, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.Payout
	for _, p := range s.db.payouts {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

// BalanceStore implements domain.BalanceStore.
type BalanceStore struct{ db *DB }

// NewBalanceStore creates a BalanceStore.
func NewBalanceStore(db *DB) *BalanceStore { return &BalanceStore{db: db} }

func (s *BalanceStore) Balance(_ context.Context, memberID string) (decimal.Decimal, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.balances[memberID], nil
}

func (s *BalanceStore) Deposit(_ context.Context, memberID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.Errorf(domain.ErrAmountTooSmall, "deposit must be positive, got %s", amount)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	bal := s.db.balances[memberID].Add(amount)
	s.db.balances[memberID] = bal
	return bal, nil
}

// VoteTallyStore implements domain.VoteTallyStore.
type VoteTallyStore struct{ db *DB }

// NewVoteTallyStore creates a VoteTallyStore.
func NewVoteTallyStore(db *DB) *VoteTallyStore { return &VoteTallyStore{db: db} }

func (s *VoteTallyStore) Tally(_ context.Context, marketID string) (domain.VoteTally, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tallies[marketID]
	if !ok {
		return domain.VoteTally{MarketID: marketID}, nil
	}
	return t, nil
}

// Record replaces the tally for a market. The ballot collaborator owns the
// counts; this exists so tests and local runs can feed them in.
func (s *VoteTallyStore) Record(_ context.Context, t domain.VoteTally) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	s.db.tallies[t.MarketID] = t
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *DB }

// NewAuditStore creates an AuditStore.
func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        int64(len(s.db.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.Lock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if inWindow(s.db.audit[i].CreatedAt, opts) {
			out = append(out, s.db.audit[i])
		}
	}
	s.db.mu.Unlock()

	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}
