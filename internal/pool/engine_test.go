package pool_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/pool"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine    *pool.Engine
	db        *memory.DB
	markets   *memory.MarketStore
	pools     *memory.PoolStore
	trades    *memory.TradeStore
	balances  *memory.BalanceStore
	positions *memory.PositionStore
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.New()
	f := &fixture{
		db:        db,
		markets:   memory.NewMarketStore(db),
		pools:     memory.NewPoolStore(db),
		trades:    memory.NewTradeStore(db),
		balances:  memory.NewBalanceStore(db),
		positions: memory.NewPositionStore(db),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = pool.NewEngine(memory.NewUnitOfWork(db), f.markets, logger,
		pool.WithClock(func() time.Time { return now }),
		pool.WithMinTrade(d("0.01")),
	)

	ctx := context.Background()
	require.NoError(t, f.markets.Upsert(ctx, domain.Market{
		ID:       "m1",
		Question: "Will it rain?",
		Category: domain.CategoryEvent,
		Type:     domain.MarketTypeBinary,
		Status:   domain.MarketStatusActive,
		OpensAt:  now.Add(-time.Hour),
		ClosesAt: now.Add(time.Hour),
	}))
	_, err := f.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "m1", Collateral: d("1000000"), FeeRate: d("0.02")})
	require.NoError(t, err)
	_, err = f.balances.Deposit(ctx, "alice", d("1000"))
	require.NoError(t, err)
	return f
}

func buy(member, amount string, outcome domain.Outcome) pool.SwapRequest {
	return pool.SwapRequest{MemberID: member, MarketID: "m1", Action: domain.ActionBuy, Outcome: outcome, Amount: d(amount)}
}

func TestSeedPool(t *testing.T) {
	f := newFixture(t)
	p, err := f.pools.GetPool(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, p.YesReserve.Equal(d("1000000")))
	assert.True(t, p.NoReserve.Equal(d("1000000")))
	assert.True(t, p.InitialLiquidity.Equal(d("1000000")))
	assert.Equal(t, int64(1), p.Revision)
	assert.Equal(t, domain.PoolStatusActive, p.Status)

	_, err = f.engine.SeedPool(context.Background(), pool.SeedRequest{MarketID: "m1", Collateral: d("10"), FeeRate: d("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSeedPoolRejectsClosedMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.markets.Upsert(ctx, domain.Market{ID: "m2", Status: domain.MarketStatusCancelled}))

	_, err := f.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "m2", Collateral: d("100"), FeeRate: d("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "missing", Collateral: d("100"), FeeRate: d("0")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSeedPoolDebitsFunder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.markets.Upsert(ctx, domain.Market{ID: "m2", Status: domain.MarketStatusActive}))

	_, err := f.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "m2", Collateral: d("5000"), FeeRate: d("0"), FunderID: "alice"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = f.pools.GetPool(ctx, "m2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "m2", Collateral: d("400"), FeeRate: d("0"), FunderID: "alice"})
	require.NoError(t, err)
	bal, _ := f.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("600")))
}

func TestExecuteBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ExecuteSwap(ctx, buy("alice", "100", domain.OutcomeYes))
	require.NoError(t, err)

	assert.True(t, res.Fee.Equal(d("2")))
	assert.True(t, res.SharesOut.IsPositive())
	assert.True(t, res.PriceAfter.Yes.GreaterThan(res.PriceBefore.Yes))
	assert.True(t, res.Position.SharesHeld.Equal(res.SharesOut))
	assert.True(t, res.Position.CostBasis.Equal(d("100")))
	require.NotNil(t, res.Trade)
	assert.Equal(t, int64(2), res.Trade.Revision)

	p, err := f.pools.GetPool(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Revision)
	assert.True(t, p.NoReserve.Equal(d("1000098")))
	assert.True(t, p.CollateralLocked.Equal(d("1000098")))
	assert.True(t, p.TotalVolume.Equal(d("100")))
	assert.True(t, p.TotalFees.Equal(d("2")))

	bal, _ := f.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("900")))

	log, err := f.trades.ListByMarket(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].ReservesAfter.Yes.Equal(p.YesReserve))
	assert.True(t, log[0].PriceAfter.Yes.Equal(res.PriceAfter.Yes))
}

func TestExecuteSellReducesCostBasis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bought, err := f.engine.ExecuteSwap(ctx, buy("alice", "100", domain.OutcomeNo))
	require.NoError(t, err)

	half := bought.SharesOut.Div(decimal.NewFromInt(2)).RoundFloor(18)
	sold, err := f.engine.ExecuteSwap(ctx, pool.SwapRequest{
		MemberID: "alice", MarketID: "m1", Action: domain.ActionSell, Outcome: domain.OutcomeNo, Amount: half,
	})
	require.NoError(t, err)

	assert.True(t, sold.CollateralOut.IsPositive())
	assert.True(t, sold.CollateralOut.LessThan(d("50")))
	assert.True(t, sold.Position.SharesHeld.Equal(bought.SharesOut.Sub(half)))
	assert.True(t, sold.Position.CostBasis.GreaterThanOrEqual(d("50")))
	assert.True(t, sold.Position.CostBasis.LessThan(d("50.000001")))
	assert.True(t, sold.PriceAfter.No.LessThan(sold.PriceBefore.No))

	bal, _ := f.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("900").Add(sold.CollateralOut)))
}

func TestExecuteSwapFailures(t *testing.T) {
	limit := d("0.5")
	tests := []struct {
		name    string
		req     pool.SwapRequest
		wantErr error
	}{
		{"below minimum", buy("alice", "0.001", domain.OutcomeYes), domain.ErrAmountTooSmall},
		{"zero", buy("alice", "0", domain.OutcomeYes), domain.ErrAmountTooSmall},
		{"insufficient funds", buy("alice", "5000", domain.OutcomeYes), domain.ErrInsufficientFunds},
		{"unknown market", pool.SwapRequest{MemberID: "alice", MarketID: "nope", Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Amount: d("1")}, domain.ErrNotFound},
		{"sell without position", pool.SwapRequest{MemberID: "alice", MarketID: "m1", Action: domain.ActionSell, Outcome: domain.OutcomeYes, Amount: d("1")}, domain.ErrInsufficientShares},
		{"slippage", pool.SwapRequest{MemberID: "alice", MarketID: "m1", Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Amount: d("10"), PriceLimit: &limit}, domain.ErrSlippageExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.engine.ExecuteSwap(ctx, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)

			p, err := f.pools.GetPool(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), p.Revision, "failed swap must not commit")
			log, _ := f.trades.ListByMarket(ctx, "m1", domain.ListOpts{})
			assert.Empty(t, log)
			bal, _ := f.balances.Balance(ctx, "alice")
			assert.True(t, bal.Equal(d("1000")))
		})
	}
}

func TestOversellRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bought, err := f.engine.ExecuteSwap(ctx, buy("alice", "10", domain.OutcomeYes))
	require.NoError(t, err)

	_, err = f.engine.ExecuteSwap(ctx, pool.SwapRequest{
		MemberID: "alice", MarketID: "m1", Action: domain.ActionSell, Outcome: domain.OutcomeYes,
		Amount: bought.SharesOut.Add(d("1")),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestSwapOutsideTradingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.markets.Upsert(ctx, domain.Market{
		ID: "m1", Status: domain.MarketStatusActive,
		OpensAt: now.Add(-2 * time.Hour), ClosesAt: now,
	}))
	_, err := f.engine.ExecuteSwap(ctx, buy("alice", "10", domain.OutcomeYes))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSimulateDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quote, err := f.engine.SimulateSwap(ctx, buy("alice", "100", domain.OutcomeYes))
	require.NoError(t, err)
	assert.Nil(t, quote.Trade)

	p, _ := f.pools.GetPool(ctx, "m1")
	assert.Equal(t, int64(1), p.Revision)
	log, _ := f.trades.ListByMarket(ctx, "m1", domain.ListOpts{})
	assert.Empty(t, log)

	res, err := f.engine.ExecuteSwap(ctx, buy("alice", "100", domain.OutcomeYes))
	require.NoError(t, err)
	assert.True(t, quote.SharesOut.Equal(res.SharesOut))
}

func TestSimulateRejectsWhatExecuteRejects(t *testing.T) {
	t.Run("resolved market", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.markets.Upsert(ctx, domain.Market{
			ID: "m1", Status: domain.MarketStatusResolved,
			OpensAt: now.Add(-2 * time.Hour), ClosesAt: now.Add(-time.Hour),
		}))

		_, err := f.engine.SimulateSwap(ctx, buy("alice", "100", domain.OutcomeYes))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		_, err = f.engine.ExecuteSwap(ctx, buy("alice", "100", domain.OutcomeYes))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("frozen pool", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, memory.NewUnitOfWork(f.db).WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			p, err := tx.Pool(ctx, "m1")
			if err != nil {
				return err
			}
			frozen := p
			frozen.Status = domain.PoolStatusClosed
			return tx.UpdatePool(ctx, frozen, p.Revision)
		}))

		_, err := f.engine.SimulateSwap(ctx, buy("alice", "100", domain.OutcomeYes))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		_, err = f.engine.ExecuteSwap(ctx, buy("alice", "100", domain.OutcomeYes))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestConcurrentSwapsConflictWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, m := range []string{"bob", "carol", "dave", "erin"} {
		_, err := f.balances.Deposit(ctx, m, d("1000"))
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for _, m := range []string{"alice", "bob", "carol", "dave", "erin"} {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			_, err := f.engine.ExecuteSwap(ctx, buy(member, "10", domain.OutcomeYes))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrConcurrencyConflict):
				conflicts++
			}
		}(m)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, 5, ok+conflicts)

	p, _ := f.pools.GetPool(ctx, "m1")
	assert.Equal(t, int64(1+ok), p.Revision)
	log, _ := f.trades.ListByMarket(ctx, "m1", domain.ListOpts{})
	assert.Len(t, log, ok)
}
