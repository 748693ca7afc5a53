package report_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/report"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPoolsTable(t *testing.T) {
	settled := &domain.Settlement{
		State:   domain.SettlementResolving,
		Outcome: domain.SettlementOutcome{Result: domain.ResultYes},
	}
	rows := []report.PoolRow{
		{Pool: domain.LiquidityPool{
			MarketID: "m2", Status: domain.PoolStatusClosed, YesReserve: d("500"), NoReserve: d("2000"),
			TotalVolume: d("10"), TotalFees: d("0.2"), Revision: 4,
		}, Settlement: settled},
		{Pool: domain.LiquidityPool{
			MarketID: "m1", Status: domain.PoolStatusActive, YesReserve: d("1000"), NoReserve: d("1000"),
			TotalVolume: d("5"), TotalFees: d("0.1"), Revision: 1,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, report.Pools(&buf, rows))
	out := buf.String()

	assert.Less(t, strings.Index(out, "m1"), strings.Index(out, "m2"))
	assert.Contains(t, out, "0.5000")
	assert.Contains(t, out, "0.8000")
	assert.Contains(t, out, "RESOLVING YES")
	assert.Contains(t, out, "2 pools | volume 15.00 | fees 0.3000")
}

func TestPayoutsTable(t *testing.T) {
	var buf bytes.Buffer
	err := report.Payouts(&buf, "m1", []domain.Payout{
		{MemberID: "alice", Outcome: domain.OutcomeYes, Stake: d("100"), Amount: d("247")},
		{MemberID: "bob", Outcome: domain.OutcomeYes, Stake: d("300"), Amount: d("742")},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "alice")
	assert.Contains(t, buf.String(), "m1: 2 payouts totalling 989.00")
}
