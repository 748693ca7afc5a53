// Package amm implements the fixed-product market maker formulas over a
// complete set of YES/NO outcome tokens.
//
// Every function is pure. Amounts are decimals carried at 18 fractional
// digits and every rounding step favours the pool over the trader:
//
//   - fees round up
//   - the reserve retained on the purchased side rounds up
//   - shares and payouts round down
//   - the square root in the sell solution rounds up
//
// Changing any one of these directions can make a pool insolvent over enough
// trades.
package amm

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Price returns the marginal prices implied by r. PNo is derived by
// subtraction so the pair always sums to exactly one.
func Price(r domain.Reserves) (domain.Prices, error) {
	if r.Yes.Sign() <= 0 || r.No.Sign() <= 0 {
		return domain.Prices{}, domain.Errorf(domain.ErrInvalidState,
			"reserves must be positive (yes=%s no=%s)", r.Yes, r.No)
	}
	pYes := r.No.DivRound(r.Yes.Add(r.No), Scale)
	return domain.Prices{Yes: pYes, No: one.Sub(pYes)}, nil
}

// BuyResult is the outcome of a buy against a pool.
type BuyResult struct {
	SharesOut     decimal.Decimal
	Fee           decimal.Decimal
	NetCollateral decimal.Decimal
	Before        domain.Reserves
	After         domain.Reserves
}

// Buy spends collateralIn on outcome. The fee is taken first, the net
// collateral mints complete sets into both reserves, and the purchased
// side is then shrunk back onto the curve K = yes*no. The trader receives
// the difference.
func Buy(r domain.Reserves, collateralIn, feeRate decimal.Decimal, outcome domain.Outcome) (BuyResult, error) {
	if err := checkInputs(r, feeRate); err != nil {
		return BuyResult{}, err
	}
	if collateralIn.Sign() <= 0 {
		return BuyResult{}, domain.Errorf(domain.ErrAmountTooSmall, "collateral must be positive, got %s", collateralIn)
	}

	fee := MulUp(collateralIn, feeRate)
	c := collateralIn.Sub(fee)
	if c.Sign() <= 0 {
		return BuyResult{}, domain.Errorf(domain.ErrAmountTooSmall,
			"collateral %s leaves nothing after fee %s", collateralIn, fee)
	}

	k := r.K()
	this, other := r.Of(outcome), r.Of(outcome.Opposite())

	otherAfter := other.Add(c)
	minted := this.Add(c)
	thisAfter := DivUp(k, otherAfter)

	shares := minted.Sub(thisAfter).RoundFloor(Scale)
	if shares.Sign() <= 0 {
		return BuyResult{}, domain.Errorf(domain.ErrAmountTooSmall,
			"collateral %s buys no %s shares", collateralIn, outcome)
	}

	after := withSides(outcome, thisAfter, otherAfter)
	if err := checkTransition(r, after); err != nil {
		return BuyResult{}, err
	}

	return BuyResult{
		SharesOut:     shares,
		Fee:           fee,
		NetCollateral: c,
		Before:        r,
		After:         after,
	}, nil
}

// SellResult is the outcome of a sell against a pool.
type SellResult struct {
	CollateralOut decimal.Decimal // net of fee
	GrossOut      decimal.Decimal
	Fee           decimal.Decimal
	Before        domain.Reserves
	After         domain.Reserves
}

// Sell returns sharesIn of outcome to the pool. The sold side is inflated by
// sharesIn and gross collateral g is burned from both sides as complete sets,
// where g is the smaller root of
//
//	g^2 - (inflated+other)*g + other*sharesIn = 0
//
// which keeps (inflated-g)*(other-g) = K.
func Sell(r domain.Reserves, sharesIn, feeRate decimal.Decimal, outcome domain.Outcome) (SellResult, error) {
	if err := checkInputs(r, feeRate); err != nil {
		return SellResult{}, err
	}
	if sharesIn.Sign() <= 0 {
		return SellResult{}, domain.Errorf(domain.ErrAmountTooSmall, "shares must be positive, got %s", sharesIn)
	}

	this, other := r.Of(outcome), r.Of(outcome.Opposite())
	inflated := this.Add(sharesIn)
	sum := inflated.Add(other)

	disc := sum.Mul(sum).Sub(four.Mul(other).Mul(sharesIn))
	root := SqrtUp(disc)
	gross := DivDown(sum.Sub(root), two)
	if gross.Sign() <= 0 {
		return SellResult{}, domain.Errorf(domain.ErrAmountTooSmall,
			"%s %s shares return no collateral", sharesIn, outcome)
	}

	fee := MulUp(gross, feeRate)
	net := gross.Sub(fee).RoundFloor(Scale)
	if net.Sign() <= 0 {
		return SellResult{}, domain.Errorf(domain.ErrAmountTooSmall,
			"%s %s shares return nothing after fee %s", sharesIn, outcome, fee)
	}

	after := withSides(outcome, inflated.Sub(gross), other.Sub(gross))
	if err := checkTransition(r, after); err != nil {
		return SellResult{}, err
	}

	return SellResult{
		CollateralOut: net,
		GrossOut:      gross,
		Fee:           fee,
		Before:        r,
		After:         after,
	}, nil
}

func checkInputs(r domain.Reserves, feeRate decimal.Decimal) error {
	if r.Yes.LessThan(MinReserve) || r.No.LessThan(MinReserve) {
		return domain.Errorf(domain.ErrInvalidState,
			"pool reserves below minimum (yes=%s no=%s)", r.Yes, r.No)
	}
	if feeRate.Sign() < 0 || !feeRate.LessThan(one) {
		return domain.Errorf(domain.ErrInvalidState, "fee rate %s outside [0,1)", feeRate)
	}
	return nil
}

// checkTransition enforces the hard invariants: both reserves stay at or
// above MinReserve and K never decreases.
func checkTransition(before, after domain.Reserves) error {
	if after.Yes.LessThan(MinReserve) || after.No.LessThan(MinReserve) {
		return domain.Errorf(domain.ErrInvariantViolation,
			"reserve below minimum after trade (yes=%s no=%s)", after.Yes, after.No)
	}
	if after.K().LessThan(before.K()) {
		return domain.Errorf(domain.ErrInvariantViolation,
			"constant product decreased from %s to %s", before.K(), after.K())
	}
	return nil
}

func withSides(outcome domain.Outcome, this, other decimal.Decimal) domain.Reserves {
	if outcome == domain.OutcomeYes {
		return domain.Reserves{Yes: this, No: other}
	}
	return domain.Reserves{Yes: other, No: this}
}
