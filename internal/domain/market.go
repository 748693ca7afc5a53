package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "ACTIVE"
	MarketStatusClosed    MarketStatus = "CLOSED"
	MarketStatusCancelled MarketStatus = "CANCELLED"
	MarketStatusResolved  MarketStatus = "RESOLVED"
)

// MarketType selects the settlement policy.
type MarketType string

const (
	MarketTypeBinary  MarketType = "BINARY"
	MarketTypeOpinion MarketType = "OPINION"
)

// Category drives resolution adapter selection.
type Category string

const (
	CategoryOpinion Category = "opinion"
	CategorySports  Category = "sports"
	CategoryEvent   Category = "event"
	CategoryStub    Category = "stub"
)

// Market is the engine's read view of a question owned by the market
// lifecycle collaborator.
type Market struct {
	ID               string       `json:"id"`
	Question         string       `json:"question"`
	Category         Category     `json:"category"`
	Type             MarketType   `json:"type"`
	ResolutionSource string       `json:"resolution_source"`
	Status           MarketStatus `json:"status"`
	OpensAt          time.Time    `json:"opens_at"`
	ClosesAt         time.Time    `json:"closes_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TradingOpen reports whether swaps are allowed at now.
func (m Market) TradingOpen(now time.Time) bool {
	if m.Status != MarketStatusActive {
		return false
	}
	if !m.OpensAt.IsZero() && now.Before(m.OpensAt) {
		return false
	}
	if !m.ClosesAt.IsZero() && !now.Before(m.ClosesAt) {
		return false
	}
	return true
}
