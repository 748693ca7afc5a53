package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome accepts YES/NO in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeYes:
		return OutcomeYes, nil
	case OutcomeNo:
		return OutcomeNo, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Action is the direction of a swap.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ParseAction accepts BUY/SELL in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// PoolStatus is the lifecycle state of a liquidity pool.
type PoolStatus string

const (
	PoolStatusActive PoolStatus = "ACTIVE"
	PoolStatusClosed PoolStatus = "CLOSED"
)

// Reserves holds the two outcome-token balances of a pool.
type Reserves struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// K returns the constant product yes*no.
func (r Reserves) K() decimal.Decimal {
	return r.Yes.Mul(r.No)
}

// Of returns the reserve backing outcome o.
func (r Reserves) Of(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return r.Yes
	}
	return r.No
}

// Prices is a (pYes, pNo) pair. PNo is always 1 - PYes.
type Prices struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Of returns the price of outcome o.
func (p Prices) Of(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.Yes
	}
	return p.No
}

// LiquidityPool is the per-market FPMM state. Revision increments on every
// committed transition and is compared-and-swapped at commit.
type LiquidityPool struct {
	MarketID         string          `json:"market_id"`
	YesReserve       decimal.Decimal `json:"yes_reserve"`
	NoReserve        decimal.Decimal `json:"no_reserve"`
	FeeRate          decimal.Decimal `json:"fee_rate"`
	CollateralLocked decimal.Decimal `json:"collateral_locked"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	Revision         int64           `json:"revision"`
	Status           PoolStatus      `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Reserves returns the pool's current reserves.
func (p LiquidityPool) Reserves() Reserves {
	return Reserves{Yes: p.YesReserve, No: p.NoReserve}
}

// WithReserves returns a copy of p carrying r.
func (p LiquidityPool) WithReserves(r Reserves) LiquidityPool {
	p.YesReserve = r.Yes
	p.NoReserve = r.No
	return p
}
