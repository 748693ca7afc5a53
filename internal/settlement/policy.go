// Package settlement decides how much each winning stake is paid once a
// market's result is final, and drives the OPEN -> RESOLVING -> FINALIZED
// lifecycle that gets it there.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Policy maps a result to the winning side and prices a stake against the
// final pool composition.
type Policy interface {
	WinningChoice(result domain.Result) (domain.Outcome, error)
	Payout(stake, totalPool, winningPool, initialLiquidity decimal.Decimal) (decimal.Decimal, error)
}

// DefaultRetention is the share of the effective pool ratio paid to winners.
var DefaultRetention = decimal.RequireFromString("0.99")

// ParimutuelPolicy pays winners pro rata out of the effective pool after a
// flat skim expressed through Retention.
type ParimutuelPolicy struct {
	Retention decimal.Decimal
	// Precision is the number of fractional digits of the smallest payable
	// unit. Payouts are floored to it.
	Precision int32
}

// NewParimutuelPolicy returns a policy with the default retention that pays
// whole collateral units.
func NewParimutuelPolicy() ParimutuelPolicy {
	return ParimutuelPolicy{Retention: DefaultRetention, Precision: 0}
}

func (p ParimutuelPolicy) WinningChoice(result domain.Result) (domain.Outcome, error) {
	switch result {
	case domain.ResultYes:
		return domain.OutcomeYes, nil
	case domain.ResultNo:
		return domain.OutcomeNo, nil
	case domain.ResultPending:
		return "", domain.Errorf(domain.ErrInvalidState, "result is still pending")
	}
	return "", domain.Errorf(domain.ErrInvalidState, "unknown result %q", result)
}

// Payout removes the seed from both pools (twice from the total, once from
// the winning side) and pays stake * effTotal/effWinning * Retention, floored
// to Precision. A zero effective winning pool returns the stake unchanged.
func (p ParimutuelPolicy) Payout(stake, totalPool, winningPool, initialLiquidity decimal.Decimal) (decimal.Decimal, error) {
	if stake.IsNegative() {
		return decimal.Zero, domain.Errorf(domain.ErrInvalidState, "negative stake %s", stake)
	}
	effTotal := totalPool.Sub(initialLiquidity.Mul(decimal.NewFromInt(2)))
	effWinning := winningPool.Sub(initialLiquidity)

	switch {
	case effWinning.IsZero():
		return stake, nil
	case effWinning.IsNegative():
		return decimal.Zero, domain.Errorf(domain.ErrInvalidState,
			"winning pool %s smaller than seed %s", winningPool, initialLiquidity)
	case effTotal.LessThan(effWinning):
		return decimal.Zero, domain.Errorf(domain.ErrInvalidState,
			"effective total %s smaller than effective winning pool %s", effTotal, effWinning)
	}

	// Floor the exact quotient, not a rounded ratio.
	amount, _ := stake.Mul(effTotal).Mul(p.Retention).QuoRem(effWinning, p.Precision)
	return amount, nil
}

// PolicyFor returns the policy for a market type. Binary and opinion markets
// share one formula today.
func PolicyFor(t domain.MarketType, base ParimutuelPolicy) (Policy, error) {
	switch t {
	case domain.MarketTypeBinary, domain.MarketTypeOpinion, "":
		return base, nil
	}
	return nil, domain.Errorf(domain.ErrInvalidState, "no settlement policy for market type %q", t)
}

// Composition is the final pool makeup payouts are priced against.
type Composition struct {
	Total            decimal.Decimal `json:"total"`
	Winning          decimal.Decimal `json:"winning"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
}

// ComposePools derives the total and winning pools from the seed and every
// position's cost basis.
func ComposePools(pool domain.LiquidityPool, positions []domain.Position, winner domain.Outcome) Composition {
	seed := pool.InitialLiquidity
	c := Composition{
		Total:            seed.Mul(decimal.NewFromInt(2)),
		Winning:          seed,
		InitialLiquidity: seed,
	}
	for _, pos := range positions {
		c.Total = c.Total.Add(pos.CostBasis)
		if pos.Outcome == winner {
			c.Winning = c.Winning.Add(pos.CostBasis)
		}
	}
	return c
}

// Award is one computed payout.
type Award struct {
	Position domain.Position
	Amount   decimal.Decimal
}

// ComputeAwards prices every winning position that still holds shares.
func ComputeAwards(policy Policy, c Composition, positions []domain.Position, winner domain.Outcome) ([]Award, error) {
	var awards []Award
	for _, pos := range positions {
		if pos.Outcome != winner || !pos.SharesHeld.IsPositive() {
			continue
		}
		amt, err := policy.Payout(pos.CostBasis, c.Total, c.Winning, c.InitialLiquidity)
		if err != nil {
			return nil, err
		}
		awards = append(awards, Award{Position: pos, Amount: amt})
	}
	return awards, nil
}
