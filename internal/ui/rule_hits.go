package ui

import (
	"fmt"

	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/metrics"
)

var ruleHitHeaders = []string{"Rule", "Hits", "Last Slot", "Last Seen"}

// RuleHitsView ranks target rules by how often they matched.
type RuleHitsView struct {
	table *tview.Table
}

// NewRuleHitsView creates a new rule hits view.
func NewRuleHitsView() *RuleHitsView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Rule Hits ").SetBorder(true)

	v := &RuleHitsView{table: table}
	v.setHeader()
	return v
}

// Widget returns the tview primitive.
func (v *RuleHitsView) Widget() tview.Primitive {
	return v.table
}

func (v *RuleHitsView) setHeader() {
	for col, header := range ruleHitHeaders {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false)
		v.table.SetCell(0, col, cell)
	}
}

// Update refreshes the rule hits display. Hits arrive sorted busiest first.
func (v *RuleHitsView) Update(snapshot metrics.MetricsSnapshot) {
	v.table.Clear()
	v.setHeader()

	hits := snapshot.RuleHits
	if len(hits) == 0 {
		cell := tview.NewTableCell("No data yet...").
			SetAlign(tview.AlignCenter).
			SetExpansion(1)
		v.table.SetCell(1, 0, cell)
		return
	}

	limit := 10
	if len(hits) < limit {
		limit = len(hits)
	}

	for i, hit := range hits[:limit] {
		row := i + 1

		v.table.SetCell(row, 0, tview.NewTableCell(hit.RuleName).SetAlign(tview.AlignLeft))
		v.table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%d", hit.Count)).SetAlign(tview.AlignRight))
		v.table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", hit.LastSlot)).SetAlign(tview.AlignRight))
		v.table.SetCell(row, 3, tview.NewTableCell(formatTimeAgo(hit.LastSeen)).SetAlign(tview.AlignRight))
	}
}
