package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/store"
)

var liveSlotHeaders = []string{"Time", "Slot", "Status", "Latency", "Size", "Queue", "Mailbox", "Error"}

// LiveSlotsView displays a scrolling feed of scheduled slots, newest first.
type LiveSlotsView struct {
	table   *tview.Table
	maxRows int
}

// NewLiveSlotsView creates a new live slots view.
func NewLiveSlotsView() *LiveSlotsView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Live Slots ").SetBorder(true)

	v := &LiveSlotsView{
		table:   table,
		maxRows: 100,
	}
	v.setHeader()
	return v
}

// Widget returns the tview primitive.
func (v *LiveSlotsView) Widget() tview.Primitive {
	return v.table
}

func (v *LiveSlotsView) setHeader() {
	for col, header := range liveSlotHeaders {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false)
		v.table.SetCell(0, col, cell)
	}
}

// Update redraws the table from the snapshot's slot feed.
func (v *LiveSlotsView) Update(snapshot metrics.MetricsSnapshot) {
	v.table.Clear()
	v.setHeader()

	slots := snapshot.RecentSlots
	row := 1
	for i := len(slots) - 1; i >= 0 && row <= v.maxRows; i-- {
		for col, cell := range slotCells(slots[i]) {
			v.table.SetCell(row, col, cell)
		}
		row++
	}

	v.table.SetTitle(fmt.Sprintf(" Live Slots (next %d, tip %d) ", snapshot.NextSlot, snapshot.ChainTip))
}

func slotCells(e metrics.SlotEntry) []*tview.TableCell {
	queued := "-"
	if e.Status == store.SlotFetched {
		queued = "ok"
		if !e.Queued {
			queued = "dropped"
		}
	}

	latency := "-"
	if e.Latency > 0 {
		latency = fmt.Sprintf("%dms", e.Latency.Milliseconds())
	}

	size := "-"
	if e.Size > 0 {
		size = formatBytes(int64(e.Size))
	}

	texts := []string{
		e.At.Format("15:04:05"),
		fmt.Sprintf("%d", e.Slot),
		string(e.Status),
		latency,
		size,
		queued,
		e.Mailbox,
		truncate(e.Err, 40),
	}

	cells := make([]*tview.TableCell, len(texts))
	for col, text := range texts {
		cells[col] = tview.NewTableCell(text).SetAlign(tview.AlignLeft)
	}
	cells[2].SetTextColor(statusColor(e.Status))
	return cells
}

func statusColor(s store.SlotStatus) tcell.Color {
	switch s {
	case store.SlotFetched:
		return tcell.ColorGreen
	case store.SlotNotReady:
		return tcell.ColorYellow
	case store.SlotSkipped:
		return tcell.ColorOrange
	case store.SlotFailed:
		return tcell.ColorRed
	}
	return tcell.ColorWhite
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
