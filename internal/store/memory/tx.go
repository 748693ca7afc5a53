package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// UnitOfWork implements domain.UnitOfWork over a DB.
type UnitOfWork struct {
	db *DB
}

// NewUnitOfWork creates a UnitOfWork.
func NewUnitOfWork(db *DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// WithinTx runs fn against a staged transaction and applies its writes
// atomically if fn returns nil and every revision it read is still current.
func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx := newTx(u.db)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type poolWrite struct {
	pool     domain.LiquidityPool
	expected int64 // 0 for insert
}

type settlementWrite struct {
	s        domain.Settlement
	expected int64 // 0 for insert
}

type tx struct {
	db *DB

	pools       map[string]poolWrite
	positions   map[domain.PositionKey]domain.Position
	trades      []domain.TradeRecord
	settlements map[string]settlementWrite
	payouts     []domain.Payout
	deltas      map[string]decimal.Decimal
	statuses    map[string]domain.MarketStatus
}

func newTx(db *DB) *tx {
	return &tx{
		db:          db,
		pools:       make(map[string]poolWrite),
		positions:   make(map[domain.PositionKey]domain.Position),
		settlements: make(map[string]settlementWrite),
		deltas:      make(map[string]decimal.Decimal),
		statuses:    make(map[string]domain.MarketStatus),
	}
}

// Deduct fails when the committed balance plus this transaction's staged
// movements cannot cover amount. The check is repeated at commit.
func (t *tx) Deduct(_ context.Context, memberID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Errorf(domain.ErrInvalidState, "negative deduction %s", amount)
	}
	t.db.mu.Lock()
	bal := t.db.balances[memberID]
	t.db.mu.Unlock()

	next := t.deltas[memberID].Sub(amount)
	if bal.Add(next).IsNegative() {
		return domain.Errorf(domain.ErrInsufficientFunds,
			"member %s balance %s cannot cover %s", memberID, bal.Add(t.deltas[memberID]), amount)
	}
	t.deltas[memberID] = next
	return nil
}

func (t *tx) Credit(_ context.Context, memberID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.Errorf(domain.ErrInvalidState, "negative credit %s", amount)
	}
	t.deltas[memberID] = t.deltas[memberID].Add(amount)
	return nil
}

func (t *tx) Pool(_ context.Context, marketID string) (domain.LiquidityPool, error) {
	if w, ok := t.pools[marketID]; ok {
		return w.pool, nil
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	p, ok := t.db.pools[marketID]
	if !ok {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrNotFound, "no pool for market %s", marketID)
	}
	return p, nil
}

func (t *tx) InsertPool(_ context.Context, pool domain.LiquidityPool) error {
	if _, ok := t.pools[pool.MarketID]; ok {
		return domain.Errorf(domain.ErrInvalidState, "pool for market %s already seeded", pool.MarketID)
	}
	pool.Revision = 1
	t.pools[pool.MarketID] = poolWrite{pool: pool}
	return nil
}

func (t *tx) UpdatePool(ctx context.Context, pool domain.LiquidityPool, expectedRevision int64) error {
	current, err := t.Pool(ctx, pool.MarketID)
	if err != nil {
		return err
	}
	if current.Revision != expectedRevision {
		return domain.Errorf(domain.ErrConcurrencyConflict,
			"pool %s at revision %d, expected %d", pool.MarketID, current.Revision, expectedRevision)
	}
	pool.Revision = expectedRevision + 1

	w, staged := t.pools[pool.MarketID]
	if !staged {
		w.expected = expectedRevision
	}
	w.pool = pool
	t.pools[pool.MarketID] = w
	return nil
}

func (t *tx) Position(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	if p, ok := t.positions[key]; ok {
		return p, nil
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	p, ok := t.db.positions[key]
	if !ok {
		return domain.Position{}, domain.Errorf(domain.ErrNotFound,
			"no %s position for %s in %s", key.Outcome, key.MemberID, key.MarketID)
	}
	return p, nil
}

func (t *tx) PositionsByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	merged := make(map[domain.PositionKey]domain.Position)
	t.db.mu.Lock()
	for k, p := range t.db.positions {
		if k.MarketID == marketID {
			merged[k] = p
		}
	}
	t.db.mu.Unlock()
	for k, p := range t.positions {
		if k.MarketID == marketID {
			merged[k] = p
		}
	}

	out := make([]domain.Position, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sortPositions(out)
	return out, nil
}

func (t *tx) SavePosition(_ context.Context, pos domain.Position) error {
	t.positions[pos.Key()] = pos
	return nil
}

func (t *tx) AppendTrade(_ context.Context, rec domain.TradeRecord) error {
	t.trades = append(t.trades, rec)
	return nil
}

func (t *tx) Settlement(_ context.Context, marketID string) (domain.Settlement, error) {
	if w, ok := t.settlements[marketID]; ok {
		return w.s, nil
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	s, ok := t.db.settlements[marketID]
	if !ok {
		return domain.Settlement{}, domain.Errorf(domain.ErrNotFound, "no settlement for market %s", marketID)
	}
	return s, nil
}

func (t *tx) SaveSettlement(ctx context.Context, s domain.Settlement, expectedRevision int64) error {
	current, err := t.Settlement(ctx, s.MarketID)
	switch {
	case expectedRevision == 0 && err == nil:
		return domain.Errorf(domain.ErrConcurrencyConflict, "settlement for %s already exists", s.MarketID)
	case expectedRevision == 0:
	case err != nil:
		return err
	case current.Revision != expectedRevision:
		return domain.Errorf(domain.ErrConcurrencyConflict,
			"settlement %s at revision %d, expected %d", s.MarketID, current.Revision, expectedRevision)
	}
	s.Revision = expectedRevision + 1

	w, staged := t.settlements[s.MarketID]
	if !staged {
		w.expected = expectedRevision
	}
	w.s = s
	t.settlements[s.MarketID] = w
	return nil
}

func (t *tx) InsertPayout(_ context.Context, p domain.Payout) error {
	t.payouts = append(t.payouts, p)
	return nil
}

func (t *tx) SetMarketStatus(_ context.Context, marketID string, status domain.MarketStatus) error {
	t.db.mu.Lock()
	_, ok := t.db.markets[marketID]
	t.db.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "market %s", marketID)
	}
	t.statuses[marketID] = status
	return nil
}

// commit re-verifies every compare-and-swap and balance under the lock, then
// applies all staged writes. Either everything lands or nothing does.
func (t *tx) commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	for id, w := range t.pools {
		cur, ok := t.db.pools[id]
		if w.expected == 0 {
			if ok {
				return domain.Errorf(domain.ErrInvalidState, "pool for market %s already seeded", id)
			}
			continue
		}
		if !ok || cur.Revision != w.expected {
			return domain.Errorf(domain.ErrConcurrencyConflict,
				"pool %s moved past revision %d before commit", id, w.expected)
		}
	}
	for id, w := range t.settlements {
		cur, ok := t.db.settlements[id]
		if w.expected == 0 && ok {
			return domain.Errorf(domain.ErrConcurrencyConflict, "settlement for %s already exists", id)
		}
		if w.expected != 0 && (!ok || cur.Revision != w.expected) {
			return domain.Errorf(domain.ErrConcurrencyConflict,
				"settlement %s moved past revision %d before commit", id, w.expected)
		}
	}
	for member, delta := range t.deltas {
		if t.db.balances[member].Add(delta).IsNegative() {
			return domain.Errorf(domain.ErrInsufficientFunds, "member %s balance changed before commit", member)
		}
	}

	now := time.Now().UTC()
	for id, w := range t.pools {
		t.db.pools[id] = w.pool
	}
	for k, p := range t.positions {
		t.db.positions[k] = p
	}
	t.db.trades = append(t.db.trades, t.trades...)
	for id, w := range t.settlements {
		t.db.settlements[id] = w.s
	}
	t.db.payouts = append(t.db.payouts, t.payouts...)
	for member, delta := range t.deltas {
		t.db.balances[member] = t.db.balances[member].Add(delta)
	}
	for id, status := range t.statuses {
		m := t.db.markets[id]
		m.Status = status
		m.UpdatedAt = now
		t.db.markets[id] = m
	}
	return nil
}
