package ui

import (
	"fmt"

	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/store"
)

var poolHeaders = []string{"Pool", "Base Mint", "Quote Mint", "Base Vault"}

// PoolsView displays the pools most recently handed to the publishers.
type PoolsView struct {
	table *tview.Table
}

// NewPoolsView creates a new pools view.
func NewPoolsView() *PoolsView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Published Pools ").SetBorder(true)

	v := &PoolsView{table: table}
	v.setHeader()
	return v
}

// Widget returns the tview primitive.
func (v *PoolsView) Widget() tview.Primitive {
	return v.table
}

func (v *PoolsView) setHeader() {
	for col, header := range poolHeaders {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false).
			SetExpansion(1)
		v.table.SetCell(0, col, cell)
	}
}

// Update refreshes the view with new metrics data.
func (v *PoolsView) Update(snapshot metrics.MetricsSnapshot) {
	v.table.Clear()
	v.setHeader()

	// Show the 10 newest pools
	events := snapshot.RecentEvents
	row := 1
	for i := len(events) - 1; i >= 0 && row <= 10; i-- {
		e := events[i]
		cells := []string{
			orDash(e.PoolAddress),
			orDash(e.BaseMint),
			orDash(e.QuoteMint),
			orDash(e.BaseVault),
		}
		for col, text := range cells {
			cell := tview.NewTableCell(text).
				SetAlign(tview.AlignLeft).
				SetExpansion(1)
			v.table.SetCell(row, col, cell)
		}
		row++
	}

	v.table.SetTitle(fmt.Sprintf(" Published Pools (%d) ", snapshot.PoolsPublished))
}

func orDash(s *string) string {
	if v := store.Deref(s); v != "" {
		return truncateAddress(v)
	}
	return "-"
}
