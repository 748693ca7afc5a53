package service_test

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/alanyoungcy/predictamm/internal/resolution"
	"github.com/alanyoungcy/predictamm/internal/retry"
	"github.com/alanyoungcy/predictamm/internal/service"
	"github.com/alanyoungcy/predictamm/internal/settlement"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][]service.Event
	stream   []service.Event
}

func newFakeBus() *fakeBus { return &fakeBus{messages: map[string][]service.Event{}} }

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	var evt service.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], evt)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	var evt service.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, evt)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) types(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.messages[channel] {
		out = append(out, e.Type)
	}
	return out
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.Errorf(domain.ErrLockHeld, "lock %s", key)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeCache struct {
	mu    sync.Mutex
	pools map[string]domain.LiquidityPool
	reads int
}

func (c *fakeCache) SetPool(_ context.Context, p domain.LiquidityPool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pools[p.MarketID]; ok && cur.Revision > p.Revision {
		return nil
	}
	c.pools[p.MarketID] = p
	return nil
}

func (c *fakeCache) GetPool(_ context.Context, marketID string) (domain.LiquidityPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	p, ok := c.pools[marketID]
	if !ok {
		return domain.LiquidityPool{}, domain.Errorf(domain.ErrNotFound, "cached pool %s", marketID)
	}
	return p, nil
}

func (c *fakeCache) Invalidate(_ context.Context, marketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, marketID)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var opensAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	clock    *clock
	bus      *fakeBus
	locks    *fakeLocks
	cache    *fakeCache
	audit    *memory.AuditStore
	balances *memory.BalanceStore
	trading  *service.TradingService
	settle   *service.SettlementService
	worker   *service.ResolutionWorker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{t: opensAt.Add(time.Hour)}
	uow := memory.NewUnitOfWork(db)
	markets := memory.NewMarketStore(db)
	settlements := memory.NewSettlementStore(db)

	e := &env{
		clock:    c,
		bus:      newFakeBus(),
		locks:    &fakeLocks{held: map[string]bool{}},
		cache:    &fakeCache{pools: map[string]domain.LiquidityPool{}},
		audit:    memory.NewAuditStore(db),
		balances: memory.NewBalanceStore(db),
	}
	policy := retry.Policy{Attempts: 25, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	e.trading = service.NewTradingService(service.TradingDeps{
		Engine:    pool.NewEngine(uow, markets, logger, pool.WithClock(c.now)),
		Markets:   markets,
		Pools:     memory.NewPoolStore(db),
		Positions: memory.NewPositionStore(db),
		Trades:    memory.NewTradeStore(db),
		Balances:  e.balances,
		Audit:     e.audit,
		Cache:     e.cache,
		Bus:       e.bus,
		Retry:     policy,
	}, logger)

	registry := resolution.NewRegistry().Register(domain.CategoryStub, resolution.NewStub(domain.ResultYes))
	e.settle = service.NewSettlementService(service.SettlementDeps{
		Settle: settlement.NewService(uow, markets, logger,
			settlement.WithClock(c.now), settlement.WithDisputeWindow(time.Hour)),
		Registry:    registry,
		Markets:     markets,
		Pools:       memory.NewPoolStore(db),
		Settlements: settlements,
		Audit:       e.audit,
		Locks:       e.locks,
		Cache:       e.cache,
		Bus:         e.bus,
		Retry:       policy,
	}, logger)
	e.worker = service.NewResolutionWorker(e.settle, markets, settlements, nil, time.Minute, 10, logger).
		WithClock(c.now)

	ctx := context.Background()
	_, err := e.trading.UpsertMarket(ctx, domain.Market{
		ID: "m1", Category: domain.CategoryStub, Type: domain.MarketTypeBinary,
		OpensAt: opensAt, ClosesAt: opensAt.Add(24 * time.Hour),
	}, "ops")
	require.NoError(t, err)
	_, err = e.trading.Seed(ctx, pool.SeedRequest{MarketID: "m1", Collateral: d("1000"), FeeRate: d("0.02")})
	require.NoError(t, err)
	return e
}

func (e *env) buy(t *testing.T, member, amount string, outcome domain.Outcome) domain.TradeResult {
	t.Helper()
	ctx := context.Background()
	_, err := e.trading.Deposit(ctx, member, d(amount), "ops")
	require.NoError(t, err)
	res, err := e.trading.Swap(ctx, pool.SwapRequest{
		MemberID: member, MarketID: "m1", Action: domain.ActionBuy, Outcome: outcome, Amount: d(amount),
	})
	require.NoError(t, err)
	return res
}

func auditEvents(t *testing.T, e *env) []string {
	t.Helper()
	entries, err := e.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var out []string
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Event)
	}
	return out
}

func TestSwapFansOut(t *testing.T) {
	e := newEnv(t)
	res := e.buy(t, "alice", "100", domain.OutcomeYes)

	assert.Equal(t, []string{service.EventTrade}, e.bus.types(domain.ChannelTrades))
	assert.Equal(t, []string{service.EventPoolSeeded, service.EventPoolUpdated}, e.bus.types(domain.ChannelPoolPrefix+"m1"))
	require.Len(t, e.bus.stream, 1)
	assert.Equal(t, "m1", e.bus.stream[0].MarketID)

	cached, err := e.cache.GetPool(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, res.Pool.Revision, cached.Revision)

	assert.Equal(t, []string{"market_upserted", "pool_seeded", "deposit", "swap"}, auditEvents(t, e))
}

func TestSwapRejectionLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	_, err := e.trading.Swap(context.Background(), pool.SwapRequest{
		MemberID: "broke", MarketID: "m1", Action: domain.ActionBuy, Outcome: domain.OutcomeYes, Amount: d("10"),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, e.bus.types(domain.ChannelTrades))

	p, err := e.trading.Pool(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Revision)
}

func TestConcurrentSwapsAllCommit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	const n = 8

	for i := 0; i < n; i++ {
		_, err := e.trading.Deposit(ctx, fmt.Sprintf("member%d", i), d("50"), "ops")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := domain.OutcomeYes
			if i%2 == 1 {
				outcome = domain.OutcomeNo
			}
			_, errs[i] = e.trading.Swap(ctx, pool.SwapRequest{
				MemberID: fmt.Sprintf("member%d", i), MarketID: "m1",
				Action: domain.ActionBuy, Outcome: outcome, Amount: d("50"),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "swap %d", i)
	}

	trades, err := e.trading.Trades(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, n)
	for i, tr := range trades {
		assert.Equal(t, int64(i+2), tr.Revision, "revisions are contiguous")
	}

	p, err := e.trading.Pool(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), p.Revision)
	// 8 buys of 50 at 2% fee lock 49 each.
	assert.True(t, p.CollateralLocked.Equal(d("1392")), "locked %s", p.CollateralLocked)
	assert.True(t, p.TotalFees.Equal(d("8")))
}

func TestPoolReadPrefersCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := domain.LiquidityPool{MarketID: "m1", YesReserve: d("10"), NoReserve: d("30"), Revision: 99}
	require.NoError(t, e.cache.SetPool(ctx, stale))

	prices, err := e.trading.Prices(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, prices.Yes.Equal(d("0.75")))

	require.NoError(t, e.cache.Invalidate(ctx, "m1"))
	prices, err = e.trading.Prices(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, prices.Yes.Equal(d("0.5")))
}

func TestPriceHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	history, err := e.trading.PriceHistory(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Prices.Yes.Equal(d("0.5")))

	e.buy(t, "alice", "100", domain.OutcomeYes)
	last := e.buy(t, "bob", "50", domain.OutcomeNo)

	history, err = e.trading.PriceHistory(ctx, "m1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(1), history[0].Revision)
	assert.True(t, history[0].Prices.Yes.Equal(d("0.5")))
	assert.True(t, history[1].Prices.Yes.GreaterThan(d("0.5")))
	assert.True(t, history[2].Prices.Yes.Equal(last.PriceAfter.Yes))
}

func TestUpsertMarketValidates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.trading.UpsertMarket(ctx, domain.Market{ID: ""}, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = e.trading.UpsertMarket(ctx, domain.Market{ID: "x", Type: "SCALAR"}, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = e.trading.UpsertMarket(ctx, domain.Market{ID: "x", OpensAt: opensAt, ClosesAt: opensAt}, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	m, err := e.trading.UpsertMarket(ctx, domain.Market{ID: "x"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketTypeBinary, m.Type)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
}

func TestWorkerProposesThenFinalizes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.buy(t, "alice", "100", domain.OutcomeYes)
	e.buy(t, "bob", "300", domain.OutcomeYes)
	e.buy(t, "carol", "600", domain.OutcomeNo)

	stats, err := e.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.TickStats{}, stats, "nothing to do while trading")

	e.clock.set(opensAt.Add(25 * time.Hour))
	stats, err = e.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Proposed)

	st, err := e.settle.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementResolving, st.State)
	assert.Equal(t, "stub", st.Outcome.Adapter)
	cached, err := e.cache.GetPool(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusClosed, cached.Status, "frozen pool replaces the cached snapshot")

	stale := cached
	stale.Status = domain.PoolStatusActive
	stale.Revision--
	require.NoError(t, e.cache.SetPool(ctx, stale))
	cached, err = e.cache.GetPool(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusClosed, cached.Status, "late write of the pre-freeze snapshot is ignored")

	stats, err = e.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Finalized, "dispute window still open")

	e.clock.set(opensAt.Add(27 * time.Hour))
	stats, err = e.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Finalized)

	payouts, err := e.settle.Payouts(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	bal, _ := e.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("247")))

	assert.Equal(t,
		[]string{service.EventSettlementProposed, service.EventSettlementFinalized},
		e.bus.types(domain.ChannelSettlements))
}

func TestCancelSanitisesAndHoldsBackWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.clock.set(opensAt.Add(25 * time.Hour))

	_, err := e.worker.Tick(ctx)
	require.NoError(t, err)

	_, err = e.settle.Cancel(ctx, "m1", "  <script>x()</script>", "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidState, "markup-only reason is empty")

	st, err := e.settle.Cancel(ctx, "m1", "<b>wrong</b> source", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementOpen, st.State)
	assert.Equal(t, "wrong source", st.CancelReason)

	stats, err := e.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Proposed)
	assert.Equal(t, 1, stats.Pending)

	st, err = e.settle.Propose(ctx, "m1", domain.SettlementOutcome{Result: domain.ResultNo, Adapter: "manual"}, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNo, st.Outcome.Result)
}

func TestSettlementLockHeld(t *testing.T) {
	e := newEnv(t)
	e.clock.set(opensAt.Add(25 * time.Hour))
	e.locks.held["settle:m1"] = true

	_, err := e.settle.ResolveAndPropose(context.Background(), "m1", "ops")
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	stats, err := e.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestFinalizeOverrideRequiresActor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.clock.set(opensAt.Add(25 * time.Hour))
	_, err := e.settle.ResolveAndPropose(ctx, "m1", "ops")
	require.NoError(t, err)

	_, err = e.settle.Finalize(ctx, "m1", settlement.FinalizeRequest{Override: true})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	res, err := e.settle.Finalize(ctx, "m1", settlement.FinalizeRequest{Override: true, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", res.Settlement.FinalizedBy)
	assert.Contains(t, auditEvents(t, e), "settlement_finalized")
}
