// Package report renders operator summaries of pools and settlements as
// plain-text tables.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/amm"
	"github.com/alanyoungcy/predictamm/internal/domain"
)

// PoolRow is one line of the pool summary.
type PoolRow struct {
	Pool       domain.LiquidityPool
	Settlement *domain.Settlement
}

// Pools writes one row per pool, ordered by market id, followed by totals.
func Pools(w io.Writer, rows []PoolRow) error {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pool.MarketID < rows[j].Pool.MarketID })

	table := tablewriter.NewWriter(w)
	table.Header("Market", "Status", "P(Yes)", "P(No)", "Yes", "No", "Locked", "Volume", "Fees", "Rev", "Settlement")

	volume, fees := decimal.Zero, decimal.Zero
	for _, r := range rows {
		p := r.Pool
		pYes, pNo := "-", "-"
		if prices, err := amm.Price(p.Reserves()); err == nil {
			pYes, pNo = prices.Yes.StringFixed(4), prices.No.StringFixed(4)
		}
		state := "-"
		if r.Settlement != nil {
			state = string(r.Settlement.State)
			if r.Settlement.Outcome.Result != "" {
				state += " " + string(r.Settlement.Outcome.Result)
			}
		}
		if err := table.Append(
			p.MarketID,
			string(p.Status),
			pYes,
			pNo,
			p.YesReserve.StringFixed(2),
			p.NoReserve.StringFixed(2),
			p.CollateralLocked.StringFixed(2),
			p.TotalVolume.StringFixed(2),
			p.TotalFees.StringFixed(4),
			fmt.Sprintf("%d", p.Revision),
			state,
		); err != nil {
			return fmt.Errorf("report: append %s: %w", p.MarketID, err)
		}
		volume = volume.Add(p.TotalVolume)
		fees = fees.Add(p.TotalFees)
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	_, err := fmt.Fprintf(w, "  %d pools | volume %s | fees %s\n", len(rows), volume.StringFixed(2), fees.StringFixed(4))
	return err
}

// Payouts writes the payouts of one finalized market.
func Payouts(w io.Writer, marketID string, payouts []domain.Payout) error {
	table := tablewriter.NewWriter(w)
	table.Header("Member", "Outcome", "Stake", "Paid")

	total := decimal.Zero
	for _, p := range payouts {
		if err := table.Append(p.MemberID, string(p.Outcome), p.Stake.StringFixed(2), p.Amount.StringFixed(2)); err != nil {
			return fmt.Errorf("report: append payout %s: %w", p.MemberID, err)
		}
		total = total.Add(p.Amount)
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	_, err := fmt.Fprintf(w, "  %s: %d payouts totalling %s\n", marketID, len(payouts), total.StringFixed(2))
	return err
}
