package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Ledger is the account-balance collaborator. Deduct fails with
// ErrInsufficientFunds instead of driving a balance negative.
type Ledger interface {
	Deduct(ctx context.Context, memberID string, amount decimal.Decimal) error
	Credit(ctx context.Context, memberID string, amount decimal.Decimal) error
}

// Tx is one isolated unit of work. Nothing written through it is visible to
// other units of work until the enclosing WithinTx returns nil.
type Tx interface {
	Ledger

	Pool(ctx context.Context, marketID string) (LiquidityPool, error)
	InsertPool(ctx context.Context, pool LiquidityPool) error
	// UpdatePool writes pool only if the stored revision still equals
	// expectedRevision, failing with ErrConcurrencyConflict otherwise.
	UpdatePool(ctx context.Context, pool LiquidityPool, expectedRevision int64) error

	Position(ctx context.Context, key PositionKey) (Position, error)
	PositionsByMarket(ctx context.Context, marketID string) ([]Position, error)
	SavePosition(ctx context.Context, pos Position) error

	AppendTrade(ctx context.Context, rec TradeRecord) error

	Settlement(ctx context.Context, marketID string) (Settlement, error)
	// SaveSettlement inserts when expectedRevision is 0 and otherwise
	// compares-and-swaps like UpdatePool.
	SaveSettlement(ctx context.Context, s Settlement, expectedRevision int64) error
	InsertPayout(ctx context.Context, p Payout) error

	SetMarketStatus(ctx context.Context, marketID string, status MarketStatus) error
}

// UnitOfWork runs fn inside a Tx. A non-nil return from fn rolls back every
// write made through the Tx.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// MarketStore persists the market lifecycle view.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	// ListAwaitingResolution returns ACTIVE or CLOSED markets whose trading
	// window closed at or before now and whose settlement is absent or OPEN.
	ListAwaitingResolution(ctx context.Context, now time.Time, limit int) ([]Market, error)
}

// PoolStore reads pools outside any unit of work.
type PoolStore interface {
	GetPool(ctx context.Context, marketID string) (LiquidityPool, error)
	ListPools(ctx context.Context, opts ListOpts) ([]LiquidityPool, error)
}

// PositionStore reads positions outside any unit of work.
type PositionStore interface {
	ListByMember(ctx context.Context, memberID string) ([]Position, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// TradeStore reads the append-only trade log, oldest first.
type TradeStore interface {
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
}

// SettlementStore reads settlements and payouts.
type SettlementStore interface {
	GetByMarket(ctx context.Context, marketID string) (Settlement, error)
	// ListDue returns RESOLVING settlements whose dispute window ended at or
	// before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Settlement, error)
	ListFinalizedBefore(ctx context.Context, before time.Time) ([]Settlement, error)
	ListPayouts(ctx context.Context, marketID string) ([]Payout, error)
}

// BalanceStore exposes ledger balances for reads and operator deposits.
type BalanceStore interface {
	Balance(ctx context.Context, memberID string) (decimal.Decimal, error)
	Deposit(ctx context.Context, memberID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// VoteTallyStore reads aggregated ballots for opinion markets.
type VoteTallyStore interface {
	Tally(ctx context.Context, marketID string) (VoteTally, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
