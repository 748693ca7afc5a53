// Package memory is an in-process implementation of the domain stores. It
// backs the engine when storage.driver is "memory" and every test that needs
// a unit of work without a database.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// DB holds all committed state. Readers and committing transactions share
// one mutex; transactions stage their writes privately and only take the
// lock to read or to verify-and-apply at commit.
type DB struct {
	mu sync.Mutex

	markets     map[string]domain.Market
	pools       map[string]domain.LiquidityPool
	positions   map[domain.PositionKey]domain.Position
	trades      []domain.TradeRecord
	settlements map[string]domain.Settlement
	payouts     []domain.Payout
	balances    map[string]decimal.Decimal
	tallies     map[string]domain.VoteTally
	audit       []domain.AuditEntry
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		markets:     make(map[string]domain.Market),
		pools:       make(map[string]domain.LiquidityPool),
		positions:   make(map[domain.PositionKey]domain.Position),
		settlements: make(map[string]domain.Settlement),
		balances:    make(map[string]decimal.Decimal),
		tallies:     make(map[string]domain.VoteTally),
	}
}

// page applies offset/limit to n items and returns the [lo, hi) bounds.
func page(n int, opts domain.ListOpts) (int, int) {
	lo := opts.Offset
	if lo > n {
		lo = n
	}
	hi := n
	if opts.Limit > 0 && lo+opts.Limit < hi {
		hi = lo + opts.Limit
	}
	return lo, hi
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].MarketID != ps[j].MarketID {
			return ps[i].MarketID < ps[j].MarketID
		}
		if ps[i].MemberID != ps[j].MemberID {
			return ps[i].MemberID < ps[j].MemberID
		}
		return ps[i].Outcome < ps[j].Outcome
	})
}
