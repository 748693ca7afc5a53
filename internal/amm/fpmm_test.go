package amm_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/amm"
	"github.com/alanyoungcy/predictamm/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seeded(n string) domain.Reserves {
	return domain.Reserves{Yes: d(n), No: d(n)}
}

func TestPrice(t *testing.T) {
	p, err := amm.Price(seeded("1000000"))
	require.NoError(t, err)
	assert.True(t, p.Yes.Equal(d("0.5")))
	assert.True(t, p.No.Equal(d("0.5")))

	_, err = amm.Price(domain.Reserves{Yes: decimal.Zero, No: d("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestPriceSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		r := domain.Reserves{
			Yes: decimal.NewFromFloat(1 + rng.Float64()*1e6).Round(amm.Scale),
			No:  decimal.NewFromFloat(1 + rng.Float64()*1e6).Round(amm.Scale),
		}
		p, err := amm.Price(r)
		require.NoError(t, err)
		assert.True(t, p.Yes.Add(p.No).Equal(decimal.NewFromInt(1)), "reserves %v", r)
	}
}

func TestBuyExample(t *testing.T) {
	before := seeded("1000000")
	res, err := amm.Buy(before, d("100"), d("0.02"), domain.OutcomeYes)
	require.NoError(t, err)

	assert.True(t, res.Fee.Equal(d("2")), "fee %s", res.Fee)
	assert.True(t, res.NetCollateral.Equal(d("98")))
	assert.True(t, res.After.No.Equal(d("1000098")))
	assert.True(t, res.After.Yes.GreaterThan(d("999902")) && res.After.Yes.LessThan(d("999903")),
		"yes reserve %s", res.After.Yes)
	assert.True(t, res.SharesOut.IsPositive())
	// shares = minted - retained
	assert.True(t, res.SharesOut.Equal(d("1000098").Sub(res.After.Yes)))
	assert.False(t, res.After.K().LessThan(before.K()))

	p, err := amm.Price(res.After)
	require.NoError(t, err)
	assert.True(t, p.Yes.GreaterThan(d("0.5")))
}

func TestBuyNoSide(t *testing.T) {
	res, err := amm.Buy(seeded("1000"), d("10"), decimal.Zero, domain.OutcomeNo)
	require.NoError(t, err)
	assert.True(t, res.After.Yes.Equal(d("1010")))
	assert.True(t, res.After.No.LessThan(d("1000")))
	assert.True(t, res.Fee.IsZero())
}

func TestBuyFeeRoundsUp(t *testing.T) {
	// The trailing 5e-19 of the exact fee is charged as a full unit.
	res, err := amm.Buy(seeded("1000"), d("1.000000000000000001"), d("0.5"), domain.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(d("0.500000000000000001")), "fee %s", res.Fee)
}

func TestBuyRejections(t *testing.T) {
	tests := []struct {
		name    string
		r       domain.Reserves
		amount  string
		fee     string
		wantErr error
	}{
		{"zero amount", seeded("1000"), "0", "0.02", domain.ErrAmountTooSmall},
		{"negative amount", seeded("1000"), "-5", "0.02", domain.ErrAmountTooSmall},
		{"fee of one", seeded("1000"), "10", "1", domain.ErrInvalidState},
		{"negative fee", seeded("1000"), "10", "-0.1", domain.ErrInvalidState},
		{"depleted pool", domain.Reserves{Yes: d("0.5"), No: d("1000")}, "10", "0", domain.ErrInvalidState},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := amm.Buy(tc.r, d(tc.amount), d(tc.fee), domain.OutcomeYes)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestSellRejections(t *testing.T) {
	_, err := amm.Sell(seeded("1000"), decimal.Zero, d("0.02"), domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)

	// One unit of shares cannot return a whole unit after fees.
	_, err = amm.Sell(seeded("1000"), amm.Unit, d("0.5"), domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)
}

func TestSellReducesBothReserves(t *testing.T) {
	before := seeded("1000")
	res, err := amm.Sell(before, d("10"), d("0.01"), domain.OutcomeYes)
	require.NoError(t, err)

	assert.True(t, res.GrossOut.IsPositive())
	assert.True(t, res.GrossOut.LessThan(d("10")))
	assert.True(t, res.CollateralOut.Equal(res.GrossOut.Sub(res.Fee)))
	assert.True(t, res.After.No.Equal(d("1000").Sub(res.GrossOut)))
	assert.True(t, res.After.Yes.Equal(d("1010").Sub(res.GrossOut)))
	assert.False(t, res.After.K().LessThan(before.K()))

	p, err := amm.Price(res.After)
	require.NoError(t, err)
	assert.True(t, p.Yes.LessThan(d("0.5")))
}

func TestRoundTripNeverProfits(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		r := domain.Reserves{
			Yes: decimal.NewFromInt(int64(1000 + rng.Intn(1_000_000))),
			No:  decimal.NewFromInt(int64(1000 + rng.Intn(1_000_000))),
		}
		outcome := domain.OutcomeYes
		if rng.Intn(2) == 0 {
			outcome = domain.OutcomeNo
		}
		x := decimal.NewFromFloat(1 + rng.Float64()*500).Round(6)
		fee := decimal.NewFromFloat(rng.Float64() * 0.05).Round(4)

		bought, err := amm.Buy(r, x, fee, outcome)
		require.NoError(t, err)
		sold, err := amm.Sell(bought.After, bought.SharesOut, fee, outcome)
		require.NoError(t, err)

		assert.False(t, sold.CollateralOut.GreaterThan(x),
			"buy %s then sell returned %s", x, sold.CollateralOut)
	}
}

func TestKNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := seeded("100000")
	held := map[domain.Outcome]decimal.Decimal{
		domain.OutcomeYes: decimal.Zero,
		domain.OutcomeNo:  decimal.Zero,
	}
	fee := d("0.02")

	for i := 0; i < 1000; i++ {
		outcome := domain.OutcomeYes
		if rng.Intn(2) == 0 {
			outcome = domain.OutcomeNo
		}
		before := r.K()

		if rng.Intn(3) > 0 || held[outcome].IsZero() {
			amount := decimal.NewFromFloat(0.01 + rng.Float64()*2000).Round(8)
			res, err := amm.Buy(r, amount, fee, outcome)
			require.NoError(t, err)
			r = res.After
			held[outcome] = held[outcome].Add(res.SharesOut)
		} else {
			shares := held[outcome].Mul(decimal.NewFromFloat(rng.Float64())).RoundFloor(amm.Scale)
			res, err := amm.Sell(r, shares, fee, outcome)
			if errors.Is(err, domain.ErrAmountTooSmall) {
				continue
			}
			require.NoError(t, err)
			r = res.After
			held[outcome] = held[outcome].Sub(shares)
		}

		require.False(t, r.K().LessThan(before), "step %d: K %s -> %s", i, before, r.K())
		require.False(t, r.Yes.LessThan(amm.MinReserve))
		require.False(t, r.No.LessThan(amm.MinReserve))
	}
}
