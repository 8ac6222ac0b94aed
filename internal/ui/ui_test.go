package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveSlotsNewestFirst(t *testing.T) {
	v := NewLiveSlotsView()
	v.Update(metrics.MetricsSnapshot{
		NextSlot: 1021,
		ChainTip: 1030,
		RecentSlots: []metrics.SlotEntry{
			{Slot: 1003, Status: store.SlotFetched, Latency: 120 * time.Millisecond, Size: 2048, Queued: true, Mailbox: "ok"},
			{Slot: 1009, Status: store.SlotNotReady},
			{Slot: 1015, Status: store.SlotFetched, Size: 10, Queued: false, Mailbox: "timeout"},
		},
	})

	require.Equal(t, 4, v.table.GetRowCount())
	assert.Equal(t, "1015", v.table.GetCell(1, 1).Text)
	assert.Equal(t, "dropped", v.table.GetCell(1, 5).Text)
	assert.Equal(t, "timeout", v.table.GetCell(1, 6).Text)
	assert.Equal(t, "NOT_READY", v.table.GetCell(2, 2).Text)
	assert.Equal(t, "-", v.table.GetCell(2, 5).Text)
	assert.Equal(t, "1003", v.table.GetCell(3, 1).Text)
	assert.Equal(t, "120ms", v.table.GetCell(3, 3).Text)
	assert.Equal(t, "2.0KB", v.table.GetCell(3, 4).Text)
}

func TestDetectionsViewBounded(t *testing.T) {
	v := NewDetectionsView()
	for i := 0; i < 60; i++ {
		v.AddDetection(store.Detection{Slot: store.Slot(i), RuleName: "raydium-cpmm", Instruction: "Initialize"})
	}
	assert.Len(t, v.detections, 50)
	assert.Equal(t, store.Slot(59), v.detections[0].Slot)
	assert.Equal(t, 50, v.list.GetItemCount())
}

func TestFormatDetection(t *testing.T) {
	main, secondary := formatDetection(store.Detection{
		Slot:        1003,
		RuleName:    "raydium-amm-v4",
		Instruction: "initialize2",
		Signature:   "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb",
		AccountKeys: []string{"a", "b", "c"},
	})
	assert.Contains(t, main, "raydium-amm-v4")
	assert.Contains(t, main, "initialize2")
	assert.Equal(t, "Slot 1003 | Tx 5VERv8...BRnb | 3 accounts", secondary)
}

func TestPoolsViewShowsNewestPools(t *testing.T) {
	v := NewPoolsView()
	var events []store.DetectionEvent
	for i := 0; i < 12; i++ {
		events = append(events, store.DetectionEvent{PoolAddress: store.StringOrNil(strings.Repeat("P", 20) + string(rune('a'+i)))})
	}
	events[11].BaseMint = nil

	v.Update(metrics.MetricsSnapshot{RecentEvents: events, PoolsPublished: 12})
	require.Equal(t, 11, v.table.GetRowCount())
	assert.Equal(t, "PPPPPP...PPPl", v.table.GetCell(1, 0).Text)
	assert.Equal(t, "-", v.table.GetCell(1, 1).Text)
}

func TestRuleHitsView(t *testing.T) {
	v := NewRuleHitsView()
	v.Update(metrics.MetricsSnapshot{})
	assert.Equal(t, "No data yet...", v.table.GetCell(1, 0).Text)

	v.Update(metrics.MetricsSnapshot{RuleHits: []metrics.RuleHit{
		{RuleName: "raydium-cpmm", Count: 4, LastSlot: 99},
		{RuleName: "raydium-clmm", Count: 1, LastSlot: 12},
	}})
	assert.Equal(t, "raydium-cpmm", v.table.GetCell(1, 0).Text)
	assert.Equal(t, "4", v.table.GetCell(1, 1).Text)
	assert.Equal(t, "never", v.table.GetCell(2, 3).Text)
}

func TestStatsDashboardRenders(t *testing.T) {
	v := NewStatsDashboardView()
	v.Update(metrics.MetricsSnapshot{
		WorkerID:      3,
		WebSocket:     "connected",
		SlotsByStatus: map[store.SlotStatus]int64{store.SlotFetched: 7, store.SlotSkipped: 2},
		QueueDepth:    1,
		QueueCap:      4,
	})
	text := v.textView.GetText(true)
	assert.Contains(t, text, "Worker 3")
	assert.Contains(t, text, "Fetched: 7")
	assert.Contains(t, text, "Skipped: 2")
	assert.Contains(t, text, "Queue: 1/4 (25.0%)")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5MB", formatBytes(3<<19))
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2h 5m", formatDuration(125*time.Minute))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "short", truncateAddress("short"))
}
