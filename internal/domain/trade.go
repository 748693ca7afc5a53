package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is the immutable log entry written once per committed swap.
// Collateral and share fields not relevant to the action are zero.
type TradeRecord struct {
	ID             string          `json:"id"`
	MarketID       string          `json:"market_id"`
	MemberID       string          `json:"member_id"`
	Action         Action          `json:"action"`
	Outcome        Outcome         `json:"outcome"`
	CollateralIn   decimal.Decimal `json:"collateral_in"`
	CollateralOut  decimal.Decimal `json:"collateral_out"`
	SharesIn       decimal.Decimal `json:"shares_in"`
	SharesOut      decimal.Decimal `json:"shares_out"`
	Fee            decimal.Decimal `json:"fee"`
	ReservesBefore Reserves        `json:"reserves_before"`
	ReservesAfter  Reserves        `json:"reserves_after"`
	PriceBefore    Prices          `json:"price_before"`
	PriceAfter     Prices          `json:"price_after"`
	Revision       int64           `json:"revision"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TradeResult is the quote returned by a swap or a simulation. Trade is nil
// for simulations.
type TradeResult struct {
	MarketID      string          `json:"market_id"`
	Action        Action          `json:"action"`
	Outcome       Outcome         `json:"outcome"`
	CollateralIn  decimal.Decimal `json:"collateral_in"`
	CollateralOut decimal.Decimal `json:"collateral_out"`
	SharesIn      decimal.Decimal `json:"shares_in"`
	SharesOut     decimal.Decimal `json:"shares_out"`
	Fee           decimal.Decimal `json:"fee"`
	PriceBefore   Prices          `json:"price_before"`
	PriceAfter    Prices          `json:"price_after"`
	Position      Position        `json:"position"`
	Pool          LiquidityPool   `json:"pool"`
	Trade         *TradeRecord    `json:"trade,omitempty"`
}

// PricePoint is one sample of the price history reconstructed from the
// trade log.
type PricePoint struct {
	Time     time.Time `json:"time"`
	Revision int64     `json:"revision"`
	Prices   Prices    `json:"prices"`
}
