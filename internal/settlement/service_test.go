package settlement_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/pool"
	"github.com/alanyoungcy/predictamm/internal/settlement"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type env struct {
	clock       *clock
	engine      *pool.Engine
	svc         *settlement.Service
	markets     *memory.MarketStore
	pools       *memory.PoolStore
	balances    *memory.BalanceStore
	settlements *memory.SettlementStore
}

var opensAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{t: opensAt.Add(time.Hour)}
	uow := memory.NewUnitOfWork(db)
	e := &env{
		clock:       c,
		markets:     memory.NewMarketStore(db),
		pools:       memory.NewPoolStore(db),
		balances:    memory.NewBalanceStore(db),
		settlements: memory.NewSettlementStore(db),
	}
	e.engine = pool.NewEngine(uow, e.markets, logger, pool.WithClock(c.now))
	e.svc = settlement.NewService(uow, e.markets, logger,
		settlement.WithClock(c.now),
		settlement.WithDisputeWindow(time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, e.markets.Upsert(ctx, domain.Market{
		ID: "m1", Type: domain.MarketTypeBinary, Status: domain.MarketStatusActive,
		OpensAt: opensAt, ClosesAt: opensAt.Add(24 * time.Hour),
	}))
	_, err := e.engine.SeedPool(ctx, pool.SeedRequest{MarketID: "m1", Collateral: d("1000"), FeeRate: d("0.02")})
	require.NoError(t, err)
	return e
}

func (e *env) buy(t *testing.T, member, amount string, outcome domain.Outcome) {
	t.Helper()
	ctx := context.Background()
	_, err := e.balances.Deposit(ctx, member, d(amount))
	require.NoError(t, err)
	_, err = e.engine.ExecuteSwap(ctx, pool.SwapRequest{
		MemberID: member, MarketID: "m1", Action: domain.ActionBuy, Outcome: outcome, Amount: d(amount),
	})
	require.NoError(t, err)
}

func (e *env) closeTrading() {
	e.clock.t = opensAt.Add(25 * time.Hour)
}

func yes() domain.SettlementOutcome {
	return domain.SettlementOutcome{Result: domain.ResultYes, Adapter: "stub", Confidence: 1}
}

func TestProposeRequiresClosedWindow(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Propose(context.Background(), "m1", yes())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestProposeRejectsPending(t *testing.T) {
	e := newEnv(t)
	e.closeTrading()
	_, err := e.svc.Propose(context.Background(), "m1", domain.SettlementOutcome{Result: domain.ResultPending})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestProposeFreezesPoolAndMarket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.closeTrading()

	s, err := e.svc.Propose(ctx, "m1", yes())
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementResolving, s.State)
	require.NotNil(t, s.DisputeEndsAt)
	assert.Equal(t, e.clock.t.Add(time.Hour), *s.DisputeEndsAt)

	p, _ := e.pools.GetPool(ctx, "m1")
	assert.Equal(t, domain.PoolStatusClosed, p.Status)
	m, _ := e.markets.GetByID(ctx, "m1")
	assert.Equal(t, domain.MarketStatusClosed, m.Status)

	_, err = e.svc.Propose(ctx, "m1", yes())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelAllowsReproposal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.closeTrading()

	_, err := e.svc.Propose(ctx, "m1", yes())
	require.NoError(t, err)
	s, err := e.svc.Cancel(ctx, "m1", "wrong source")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementOpen, s.State)
	assert.Nil(t, s.DisputeEndsAt)

	_, err = e.svc.Cancel(ctx, "m1", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	s, err = e.svc.Propose(ctx, "m1", domain.SettlementOutcome{Result: domain.ResultNo})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNo, s.Outcome.Result)
}

func TestFinalizeWaitsForDisputeWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.closeTrading()
	_, err := e.svc.Propose(ctx, "m1", yes())
	require.NoError(t, err)

	_, err = e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{Override: true})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	res, err := e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{Override: true, Actor: "ops"})
	require.NoError(t, err)
	assert.True(t, res.Settlement.Overridden)
	assert.Equal(t, "ops", res.Settlement.FinalizedBy)
}

func TestFinalizePaysWinners(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.buy(t, "alice", "100", domain.OutcomeYes)
	e.buy(t, "bob", "300", domain.OutcomeYes)
	e.buy(t, "carol", "600", domain.OutcomeNo)

	e.closeTrading()
	_, err := e.svc.Propose(ctx, "m1", yes())
	require.NoError(t, err)
	e.clock.t = e.clock.t.Add(2 * time.Hour)

	res, err := e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFinalized, res.Settlement.State)
	assert.Equal(t, "system", res.Settlement.FinalizedBy)
	require.Len(t, res.Payouts, 2)

	// effective total 1000, effective winning 400: ratio 2.475
	paid := map[string]string{}
	for _, p := range res.Payouts {
		paid[p.MemberID] = p.Amount.String()
	}
	assert.Equal(t, "247", paid["alice"])
	assert.Equal(t, "742", paid["bob"])

	bal, _ := e.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("247")))
	bal, _ = e.balances.Balance(ctx, "carol")
	assert.True(t, bal.IsZero())

	m, _ := e.markets.GetByID(ctx, "m1")
	assert.Equal(t, domain.MarketStatusResolved, m.Status)

	_, err = e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	bal, _ = e.balances.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("247")), "second finalize must not pay again")
}

func TestFinalizeUntradedMarket(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.closeTrading()
	_, err := e.svc.Propose(ctx, "m1", yes())
	require.NoError(t, err)

	res, err := e.svc.Finalize(ctx, "m1", settlement.FinalizeRequest{Override: true, Actor: "ops"})
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
	assert.True(t, res.Composition.Winning.Sub(res.Composition.InitialLiquidity).IsZero())
}

func TestFinalizeWithoutProposal(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Finalize(context.Background(), "m1", settlement.FinalizeRequest{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
