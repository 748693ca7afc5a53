package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a member's holding of one outcome in one market. It is created
// on the first buy, never deleted, and may reach a zero balance.
type Position struct {
	MemberID   string          `json:"member_id"`
	MarketID   string          `json:"market_id"`
	Outcome    Outcome         `json:"outcome"`
	SharesHeld decimal.Decimal `json:"shares_held"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PositionKey identifies a position.
type PositionKey struct {
	MemberID string
	MarketID string
	Outcome  Outcome
}

// Key returns the position's identity.
func (p Position) Key() PositionKey {
	return PositionKey{MemberID: p.MemberID, MarketID: p.MarketID, Outcome: p.Outcome}
}
