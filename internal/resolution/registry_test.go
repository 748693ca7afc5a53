package resolution_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/platform/eventfeed"
	"github.com/alanyoungcy/predictamm/internal/resolution"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
)

type fakeFeed struct {
	events map[string]eventfeed.Event
	prices map[string]decimal.Decimal
	asked  []time.Time
}

func (f *fakeFeed) GetEvent(_ context.Context, id string) (eventfeed.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return eventfeed.Event{}, domain.ErrNotFound
	}
	return ev, nil
}

func (f *fakeFeed) PriceAt(_ context.Context, symbol string, at time.Time) (eventfeed.Quote, error) {
	f.asked = append(f.asked, at)
	p, ok := f.prices[symbol]
	if !ok {
		return eventfeed.Quote{}, domain.ErrNotFound
	}
	return eventfeed.Quote{Symbol: symbol, Price: p, At: at}, nil
}

func newRegistry(feed *fakeFeed, tallies domain.VoteTallyStore) *resolution.Registry {
	return resolution.NewRegistry().
		Override(resolution.PriceFeedPrefix, resolution.NewPriceFeed(feed)).
		Register(domain.CategoryOpinion, resolution.NewVoteTally(tallies)).
		Register(domain.CategorySports, resolution.NewEventFeed(feed)).
		Register(domain.CategoryEvent, resolution.NewEventFeed(feed)).
		Register(domain.CategoryStub, resolution.NewStub(domain.ResultYes))
}

func TestSelectByCategory(t *testing.T) {
	reg := newRegistry(&fakeFeed{}, memory.NewVoteTallyStore(memory.New()))

	tests := []struct {
		market domain.Market
		want   string
	}{
		{domain.Market{ID: "a", Category: domain.CategoryOpinion}, "vote_tally"},
		{domain.Market{ID: "b", Category: domain.CategorySports}, "event_feed"},
		{domain.Market{ID: "c", Category: domain.CategoryStub}, "stub"},
		// the prefix override beats the opinion category
		{domain.Market{ID: "d", Category: domain.CategoryOpinion, ResolutionSource: "pricefeed:BTC-USD:>=:1"}, "price_feed"},
	}
	for _, tc := range tests {
		a, err := reg.Select(tc.market)
		require.NoError(t, err)
		assert.Equal(t, tc.want, a.Name(), tc.market.ID)
	}

	_, err := reg.Select(domain.Market{ID: "e", Category: "weather"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVoteTally(t *testing.T) {
	ctx := context.Background()
	tallies := memory.NewVoteTallyStore(memory.New())
	reg := newRegistry(&fakeFeed{}, tallies)
	m := domain.Market{ID: "op", Category: domain.CategoryOpinion}

	out, err := reg.Resolve(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPending, out.Result)

	require.NoError(t, tallies.Record(ctx, domain.VoteTally{MarketID: "op", Yes: 5, No: 5}))
	out, err = reg.Resolve(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPending, out.Result)

	require.NoError(t, tallies.Record(ctx, domain.VoteTally{MarketID: "op", Yes: 3, No: 9}))
	out, err = reg.Resolve(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNo, out.Result)
	assert.InDelta(t, 0.75, out.Confidence, 1e-9)
	assert.Equal(t, "vote_tally", out.Adapter)
	assert.False(t, out.ResolvedAt.IsZero())

	var ev map[string]int64
	require.NoError(t, json.Unmarshal(out.Evidence, &ev))
	assert.Equal(t, int64(9), ev["no"])
}

func TestEventFeed(t *testing.T) {
	ctx := context.Background()
	done := time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC)
	feed := &fakeFeed{events: map[string]eventfeed.Event{
		"g1": {ID: "g1", Status: eventfeed.EventFinal, Outcome: "no", CompletedAt: &done, Raw: []byte(`{"id":"g1"}`)},
		"g2": {ID: "g2", Status: eventfeed.EventInProgress},
	}}
	reg := newRegistry(feed, memory.NewVoteTallyStore(memory.New()))

	out, err := reg.Resolve(ctx, domain.Market{ID: "m1", Category: domain.CategorySports, ResolutionSource: "event:g1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNo, out.Result)
	assert.Equal(t, done, out.ResolvedAt)
	assert.Equal(t, "event:g1", out.SourceRef)

	out, err = reg.Resolve(ctx, domain.Market{ID: "g2", Category: domain.CategoryEvent})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPending, out.Result)

	out, err = reg.Resolve(ctx, domain.Market{ID: "unknown", Category: domain.CategoryEvent})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPending, out.Result)
}

func TestPriceFeed(t *testing.T) {
	ctx := context.Background()
	closes := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	feed := &fakeFeed{prices: map[string]decimal.Decimal{"BTC-USD": decimal.NewFromInt(100000)}}
	reg := newRegistry(feed, memory.NewVoteTallyStore(memory.New()))

	tests := []struct {
		source string
		want   domain.Result
	}{
		{"pricefeed:BTC-USD:>=:100000", domain.ResultYes},
		{"pricefeed:BTC-USD:>:100000", domain.ResultNo},
		{"pricefeed:BTC-USD:<:150000", domain.ResultYes},
		{"pricefeed:ETH-USD:>=:1", domain.ResultPending},
	}
	for _, tc := range tests {
		out, err := reg.Resolve(ctx, domain.Market{ID: "p", Category: domain.CategoryEvent, ResolutionSource: tc.source, ClosesAt: closes})
		require.NoError(t, err, tc.source)
		assert.Equal(t, tc.want, out.Result, tc.source)
	}
	assert.Equal(t, closes, feed.asked[0])

	for _, bad := range []string{"pricefeed:BTC-USD", "pricefeed:BTC-USD:~:1", "pricefeed:BTC-USD:>:abc"} {
		_, err := reg.Resolve(ctx, domain.Market{ID: "p", ResolutionSource: bad, ClosesAt: closes})
		assert.ErrorIs(t, err, domain.ErrInvalidState, bad)
	}
}

func TestStub(t *testing.T) {
	out, err := resolution.NewStub(domain.ResultPending).Resolve(context.Background(), domain.Market{ID: "s"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPending, out.Result)
	assert.Zero(t, out.Confidence)
}
