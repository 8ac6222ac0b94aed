package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetched(slot store.Slot, mailboxErr error) store.SlotResult {
	return store.SlotResult{
		Slot:        slot,
		Status:      store.SlotFetched,
		Latency:     100 * time.Millisecond,
		Size:        1024,
		Queued:      true,
		Mailboxed:   true,
		MailboxWait: 2 * time.Millisecond,
		MailboxErr:  mailboxErr,
	}
}

func TestTrackerRecordSlot(t *testing.T) {
	m := NewMetricsTracker(3)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.RecordSlot(fetched(1003, nil))
	m.RecordSlot(fetched(1009, fmt.Errorf("wrap: %w", shm.ErrMailboxBusy)))
	m.RecordSlot(fetched(1015, shm.ErrPayloadTooLarge))
	m.RecordSlot(store.SlotResult{Slot: 1021, Status: store.SlotNotReady})
	m.RecordSlot(store.SlotResult{Slot: 1027, Status: store.SlotFailed, Err: errors.New("boom")})
	m.RecordSlot(store.SlotResult{Slot: 1033, Status: store.SlotSkipped})

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.WorkerID)
	assert.Equal(t, int64(3), snap.SlotsByStatus[store.SlotFetched])
	assert.Equal(t, int64(1), snap.SlotsByStatus[store.SlotNotReady])
	assert.Equal(t, int64(1), snap.SlotsByStatus[store.SlotFailed])
	assert.Equal(t, int64(1), snap.SlotsByStatus[store.SlotSkipped])
	assert.Equal(t, int64(3072), snap.BytesFetched)
	assert.Equal(t, 100*time.Millisecond, snap.AvgLatency)

	assert.Equal(t, int64(1), snap.MailboxWrites)
	assert.Equal(t, int64(1), snap.MailboxTimeouts)
	assert.Equal(t, int64(1), snap.MailboxRejected)
	assert.Equal(t, 2*time.Millisecond, snap.MailboxLastWait)

	require.Len(t, snap.RecentSlots, 6)
	assert.Equal(t, "ok", snap.RecentSlots[0].Mailbox)
	assert.Equal(t, "timeout", snap.RecentSlots[1].Mailbox)
	assert.Equal(t, "boom", snap.RecentSlots[4].Err)

	// Three fetches inside one second count as three per second.
	assert.InDelta(t, 3.0, snap.FetchRate, 0.001)
}

func TestTrackerFetchRateWindow(t *testing.T) {
	m := NewMetricsTracker(0)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		m.RecordSlot(store.SlotResult{Status: store.SlotFetched})
		now = now.Add(time.Second)
	}
	assert.InDelta(t, 1.0, m.Snapshot().FetchRate, 0.001)

	now = now.Add(2 * time.Minute)
	assert.Zero(t, m.Snapshot().FetchRate)

	m.Cleanup()
	assert.Empty(t, m.fetchTimes)
}

func TestTrackerRecentSlotsBounded(t *testing.T) {
	m := NewMetricsTracker(0)
	for i := 0; i < maxRecentSlots+50; i++ {
		m.RecordSlot(store.SlotResult{Slot: store.Slot(i), Status: store.SlotNotReady})
	}
	snap := m.Snapshot()
	require.Len(t, snap.RecentSlots, maxRecentSlots)
	assert.Equal(t, store.Slot(maxRecentSlots+49), snap.RecentSlots[maxRecentSlots-1].Slot)
}

func TestTrackerDetectionsAndRuleHits(t *testing.T) {
	m := NewMetricsTracker(0)
	now := time.Unix(5000, 0)
	m.now = func() time.Time { return now }

	m.RecordDetection(store.Detection{Slot: 10, RuleName: "raydium-cpmm", At: now})
	m.RecordDetection(store.Detection{Slot: 11, RuleName: "raydium-amm-v4", At: now})
	m.RecordDetection(store.Detection{Slot: 12, RuleName: "raydium-cpmm", At: now})
	m.RecordEnrichError(store.Detection{}, errors.New("x"))
	m.RecordEvent(store.DetectionEvent{PoolAddress: store.StringOrNil("pool")})
	m.RecordBlock(10, 5)
	m.RecordDecodeError(11, errors.New("bad"))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Detections)
	assert.Equal(t, int64(1), snap.EnrichErrors)
	assert.Equal(t, int64(1), snap.PoolsPublished)
	assert.Equal(t, int64(1), snap.BlocksDecoded)
	assert.Equal(t, int64(1), snap.DecodeErrors)
	require.Len(t, snap.RuleHits, 2)
	assert.Equal(t, "raydium-cpmm", snap.RuleHits[0].RuleName)
	assert.Equal(t, int64(2), snap.RuleHits[0].Count)
	assert.Equal(t, store.Slot(12), snap.RuleHits[0].LastSlot)
	assert.Len(t, snap.RecentDetections, 3)

	now = now.Add(2 * time.Hour)
	m.Cleanup()
	assert.Empty(t, m.Snapshot().RuleHits)
	assert.Equal(t, int64(3), m.Snapshot().Detections)
}

func TestTrackerLag(t *testing.T) {
	m := NewMetricsTracker(0)
	assert.Zero(t, m.Snapshot().Lag)

	m.SetScheduler(1000, 2)
	m.SetChainTip(1040)
	m.SetChainTip(1030) // never moves backwards
	m.SetQueue(3, 64, 1)
	m.SetWebSocketStatus("connected")

	snap := m.Snapshot()
	assert.Equal(t, int64(40), snap.Lag)
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, 3, snap.QueueDepth)
	assert.Equal(t, 64, snap.QueueCap)
	assert.Equal(t, uint64(1), snap.QueueDrops)
	assert.Equal(t, "connected", snap.WebSocket)
}

func TestCollectorRecordSlot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, 2)

	c.RecordSlot(fetched(1, nil))
	c.RecordSlot(fetched(2, shm.ErrMailboxBusy))
	c.RecordSlot(fetched(3, shm.ErrPayloadTooLarge))
	dropped := fetched(4, nil)
	dropped.Queued = false
	dropped.Mailboxed = false
	c.RecordSlot(dropped)
	c.RecordSlot(store.SlotResult{Status: store.SlotSkipped})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.slotsTotal.WithLabelValues("FETCHED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.slotsTotal.WithLabelValues("SKIPPED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mailboxWrites.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mailboxWrites.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mailboxWrites.WithLabelValues("too_large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueDropped))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesFetched))
}

func TestCollectorGaugesAndDetections(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, 0)

	c.RecordDetection(store.Detection{RuleName: "raydium-clmm"})
	c.RecordDetection(store.Detection{RuleName: "raydium-clmm"})
	c.RecordEnrichError(store.Detection{}, errors.New("x"))
	c.RecordEvent(store.DetectionEvent{})
	c.SetChainTip(500)
	c.SetScheduler(480, 3)
	c.SetQueueDepth(7)
	c.SetWebSocketConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.detections.WithLabelValues("raydium-clmm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.enrichErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolsPublished))
	assert.Equal(t, 500.0, testutil.ToFloat64(c.chainTip))
	assert.Equal(t, 480.0, testutil.ToFloat64(c.nextSlot))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wsConnected))

	c.SetWebSocketConnected(false)
	assert.Zero(t, testutil.ToFloat64(c.wsConnected))
}

func TestNewCollectorDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg, 0)
	assert.Panics(t, func() { NewCollector(reg, 0) })
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, 5)
	c.RecordDetection(store.Detection{RuleName: "raydium-amm-v4"})

	var healthErr error
	h := Handler(reg, func() error { return healthErr })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	healthErr = errors.New("queue stalled")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue stalled")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `slotwatch_detections_total{rule="raydium-amm-v4",worker_id="5"} 1`), string(body))
}

func TestServeStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, 0, http.NotFoundHandler(), nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
