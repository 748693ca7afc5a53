package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Result is the outcome reported by a resolution adapter.
type Result string

const (
	ResultYes     Result = "YES"
	ResultNo      Result = "NO"
	ResultPending Result = "PENDING"
)

// ParseResult accepts YES/NO/PENDING in any case.
func ParseResult(s string) (Result, bool) {
	switch r := Result(strings.ToUpper(strings.TrimSpace(s))); r {
	case ResultYes, ResultNo, ResultPending:
		return r, true
	}
	return "", false
}

// SettlementOutcome is the finalized result of a market together with the
// evidence that justified it. Immutable once produced.
type SettlementOutcome struct {
	Result     Result          `json:"result"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	SourceRef  string          `json:"source_ref"`
	Adapter    string          `json:"adapter"`
	Confidence float64         `json:"confidence"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// SettlementState is the per-market settlement lifecycle.
type SettlementState string

const (
	SettlementOpen      SettlementState = "OPEN"
	SettlementResolving SettlementState = "RESOLVING"
	SettlementFinalized SettlementState = "FINALIZED"
)

// Settlement tracks a market from proposal through the dispute window to
// finalization. Revision guards concurrent transitions.
type Settlement struct {
	MarketID      string            `json:"market_id"`
	State         SettlementState   `json:"state"`
	Outcome       SettlementOutcome `json:"outcome"`
	ProposedAt    *time.Time        `json:"proposed_at,omitempty"`
	DisputeEndsAt *time.Time        `json:"dispute_ends_at,omitempty"`
	FinalizedAt   *time.Time        `json:"finalized_at,omitempty"`
	FinalizedBy   string            `json:"finalized_by,omitempty"`
	Overridden    bool              `json:"overridden"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	Revision      int64             `json:"revision"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Payout is the amount credited to one winning position at finalization.
type Payout struct {
	MarketID  string          `json:"market_id"`
	MemberID  string          `json:"member_id"`
	Outcome   Outcome         `json:"outcome"`
	Stake     decimal.Decimal `json:"stake"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// VoteTally is the aggregated ballot count for an opinion market.
type VoteTally struct {
	MarketID  string    `json:"market_id"`
	Yes       int64     `json:"yes"`
	No        int64     `json:"no"`
	UpdatedAt time.Time `json:"updated_at"`
}
