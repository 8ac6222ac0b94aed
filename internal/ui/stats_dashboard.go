package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/store"
)

// StatsDashboardView displays system health and performance metrics.
type StatsDashboardView struct {
	textView *tview.TextView
}

// NewStatsDashboardView creates a new stats dashboard view.
func NewStatsDashboardView() *StatsDashboardView {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)

	textView.SetTitle(" Stats Dashboard ").SetBorder(true)

	return &StatsDashboardView{
		textView: textView,
	}
}

// Widget returns the tview primitive.
func (v *StatsDashboardView) Widget() tview.Primitive {
	return v.textView
}

// Update refreshes the stats display.
func (v *StatsDashboardView) Update(snapshot metrics.MetricsSnapshot) {
	v.textView.Clear()

	uptime := formatDuration(snapshot.Uptime)

	wsStatus := snapshot.WebSocket
	wsColor := "red"
	if wsStatus == "connected" {
		wsColor = "green"
	}

	// Positive lag means the cursor trails the chain tip.
	lagColor := "green"
	if snapshot.Lag > 100 {
		lagColor = "yellow"
	}

	queuePct := 0.0
	if snapshot.QueueCap > 0 {
		queuePct = (float64(snapshot.QueueDepth) / float64(snapshot.QueueCap)) * 100
	}

	text := fmt.Sprintf(`[yellow]Worker %d[-]
Uptime: %s
WebSocket: [%s]%s[-]
Next Slot: %d  Tip: %d  Lag: [%s]%d[-]
In Flight: %d

[yellow]Slots[-]
Fetched: %d  Not Ready: %d
Failed: %d  Skipped: %d
Rate: %.2f slots/sec  Avg: %dms
Fetched Bytes: %s

[yellow]Handoff[-]
Queue: %d/%d (%.1f%%)  Dropped: %d
Mailbox: %d ok  %d timeout  %d rejected
Last Wait: %s

[yellow]Detection[-]
Blocks: %d  Decode Errors: %d
Matches: %d  Pools: %d  Enrich Errors: %d
`,
		snapshot.WorkerID,
		uptime,
		wsColor, wsStatus,
		snapshot.NextSlot, snapshot.ChainTip, lagColor, snapshot.Lag,
		snapshot.InFlight,
		snapshot.SlotsByStatus[store.SlotFetched],
		snapshot.SlotsByStatus[store.SlotNotReady],
		snapshot.SlotsByStatus[store.SlotFailed],
		snapshot.SlotsByStatus[store.SlotSkipped],
		snapshot.FetchRate,
		snapshot.AvgLatency.Milliseconds(),
		formatBytes(snapshot.BytesFetched),
		snapshot.QueueDepth, snapshot.QueueCap, queuePct, snapshot.QueueDrops,
		snapshot.MailboxWrites, snapshot.MailboxTimeouts, snapshot.MailboxRejected,
		snapshot.MailboxLastWait.Round(time.Microsecond),
		snapshot.BlocksDecoded, snapshot.DecodeErrors,
		snapshot.Detections, snapshot.PoolsPublished, snapshot.EnrichErrors,
	)

	fmt.Fprint(v.textView, text)
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// formatTimeAgo formats a time as "X ago".
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	elapsed := time.Since(t)

	if elapsed < time.Minute {
		return fmt.Sprintf("%.0fs ago", elapsed.Seconds())
	}
	if elapsed < time.Hour {
		return fmt.Sprintf("%.0fm ago", elapsed.Minutes())
	}
	if elapsed < 24*time.Hour {
		return fmt.Sprintf("%.0fh ago", elapsed.Hours())
	}
	return fmt.Sprintf("%.0fd ago", elapsed.Hours()/24)
}

