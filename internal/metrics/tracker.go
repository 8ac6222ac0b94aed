// Package metrics provides real-time metrics tracking for the system.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
)

const (
	rateWindow      = 60 * time.Second
	maxRecentSlots  = 200
	maxRecentAlerts = 100
)

// SlotEntry is one row of the live slot feed.
type SlotEntry struct {
	Slot    store.Slot
	Status  store.SlotStatus
	Latency time.Duration
	Size    int
	Queued  bool
	Mailbox string
	Err     string
	At      time.Time
}

// RuleHit aggregates detections for a single rule.
type RuleHit struct {
	RuleName string
	Count    int64
	LastSlot store.Slot
	LastSeen time.Time
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	WorkerID       int
	SlotsByStatus  map[store.SlotStatus]int64
	FetchRate      float64 // fetched slots per second
	AvgLatency     time.Duration
	BytesFetched   int64
	Detections     int64
	PoolsPublished int64
	EnrichErrors   int64
	DecodeErrors   int64
	BlocksDecoded  int64

	QueueDepth int
	QueueCap   int
	QueueDrops uint64

	MailboxWrites   int64
	MailboxRejected int64
	MailboxTimeouts int64
	MailboxLastWait time.Duration

	NextSlot  store.Slot
	ChainTip  store.Slot
	Lag       int64
	InFlight  int
	WebSocket string

	RecentSlots      []SlotEntry
	RecentDetections []store.Detection
	RecentEvents     []store.DetectionEvent
	RuleHits         []RuleHit
	Uptime           time.Duration
}

// MetricsTracker provides thread-safe metrics tracking.
type MetricsTracker struct {
	mu sync.RWMutex

	workerID       int
	slotsByStatus  map[store.SlotStatus]int64
	fetchTimes     []time.Time // for rate calculation
	latencyTotal   time.Duration
	latencyCount   int64
	bytesFetched   int64
	detections     int64
	poolsPublished int64
	enrichErrors   int64
	decodeErrors   int64
	blocksDecoded  int64

	queueDepth int
	queueCap   int
	queueDrops uint64

	mailboxWrites   int64
	mailboxRejected int64
	mailboxTimeouts int64
	mailboxLastWait time.Duration

	nextSlot store.Slot
	chainTip store.Slot
	inFlight int
	wsStatus string

	recentSlots      []SlotEntry
	recentDetections []store.Detection
	recentEvents     []store.DetectionEvent
	ruleHits         map[string]*RuleHit

	startTime time.Time
	now       func() time.Time
}

// NewMetricsTracker creates a new MetricsTracker.
func NewMetricsTracker(workerID int) *MetricsTracker {
	return &MetricsTracker{
		workerID:      workerID,
		slotsByStatus: make(map[store.SlotStatus]int64),
		fetchTimes:    make([]time.Time, 0, 1000),
		ruleHits:      make(map[string]*RuleHit),
		wsStatus:      "disconnected",
		startTime:     time.Now(),
		now:           time.Now,
	}
}

// RecordSlot records the outcome of one scheduled slot. It has the
// signature of the scheduler's result callback.
func (m *MetricsTracker) RecordSlot(r store.SlotResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.slotsByStatus[r.Status]++

	entry := SlotEntry{
		Slot:    r.Slot,
		Status:  r.Status,
		Latency: r.Latency,
		Size:    r.Size,
		Queued:  r.Queued,
		At:      r.At,
	}
	if r.Err != nil {
		entry.Err = r.Err.Error()
	}

	if r.Status == store.SlotFetched {
		now := m.now()
		m.fetchTimes = append(m.fetchTimes, now)
		m.trimFetchTimes(now)

		m.latencyTotal += r.Latency
		m.latencyCount++
		m.bytesFetched += int64(r.Size)

		switch {
		case !r.Mailboxed:
			entry.Mailbox = "-"
		case r.MailboxErr == nil:
			m.mailboxWrites++
			m.mailboxLastWait = r.MailboxWait
			entry.Mailbox = "ok"
		case errors.Is(r.MailboxErr, shm.ErrMailboxBusy):
			m.mailboxTimeouts++
			entry.Mailbox = "timeout"
		default:
			m.mailboxRejected++
			entry.Mailbox = "rejected"
		}
	}

	m.recentSlots = append(m.recentSlots, entry)
	if len(m.recentSlots) > maxRecentSlots {
		m.recentSlots = m.recentSlots[len(m.recentSlots)-maxRecentSlots:]
	}
}

// Keep only the last rateWindow of timestamps.
// Must be called with lock held.
func (m *MetricsTracker) trimFetchTimes(now time.Time) {
	cutoff := now.Add(-rateWindow)
	validIdx := 0
	for validIdx < len(m.fetchTimes) && !m.fetchTimes[validIdx].After(cutoff) {
		validIdx++
	}
	if validIdx > 0 {
		m.fetchTimes = m.fetchTimes[validIdx:]
	}
}

// RecordBlock counts a decoded block.
func (m *MetricsTracker) RecordBlock(_ store.Slot, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocksDecoded++
}

// RecordDecodeError counts a payload that could not be decoded.
func (m *MetricsTracker) RecordDecodeError(_ store.Slot, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodeErrors++
}

// RecordDetection records a transaction that matched a rule.
func (m *MetricsTracker) RecordDetection(d store.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.detections++

	hit, ok := m.ruleHits[d.RuleName]
	if !ok {
		hit = &RuleHit{RuleName: d.RuleName}
		m.ruleHits[d.RuleName] = hit
	}
	hit.Count++
	hit.LastSlot = d.Slot
	hit.LastSeen = d.At

	m.recentDetections = append(m.recentDetections, d)
	if len(m.recentDetections) > maxRecentAlerts {
		m.recentDetections = m.recentDetections[len(m.recentDetections)-maxRecentAlerts:]
	}
}

// RecordEnrichError counts a failed enrichment.
func (m *MetricsTracker) RecordEnrichError(_ store.Detection, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrichErrors++
}

// RecordEvent records a pool handed to the publishers.
func (m *MetricsTracker) RecordEvent(e store.DetectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.poolsPublished++
	m.recentEvents = append(m.recentEvents, e)
	if len(m.recentEvents) > maxRecentAlerts {
		m.recentEvents = m.recentEvents[len(m.recentEvents)-maxRecentAlerts:]
	}
}

// SetChainTip records the latest slot reported by the node.
func (m *MetricsTracker) SetChainTip(slot store.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot > m.chainTip {
		m.chainTip = slot
	}
}

// SetScheduler records the scheduler cursor and the fetches in flight.
func (m *MetricsTracker) SetScheduler(next store.Slot, inFlight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSlot = next
	m.inFlight = inFlight
}

// SetWebSocketStatus sets the WebSocket connection status.
func (m *MetricsTracker) SetWebSocketStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsStatus = status
}

// SetQueue sets the queue usage.
func (m *MetricsTracker) SetQueue(depth, capacity int, drops uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
	m.queueCap = capacity
	m.queueDrops = drops
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *MetricsTracker) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()

	// Fetch rate over the window, counting only timestamps still inside it
	fetchRate := 0.0
	cutoff := now.Add(-rateWindow)
	var inWindow []time.Time
	for _, ts := range m.fetchTimes {
		if ts.After(cutoff) {
			inWindow = append(inWindow, ts)
		}
	}
	if len(inWindow) > 0 {
		duration := now.Sub(inWindow[0]).Seconds()
		if duration < 1 {
			duration = 1
		}
		fetchRate = float64(len(inWindow)) / duration
	}

	var avgLatency time.Duration
	if m.latencyCount > 0 {
		avgLatency = m.latencyTotal / time.Duration(m.latencyCount)
	}

	statusCopy := make(map[store.SlotStatus]int64, len(m.slotsByStatus))
	for k, v := range m.slotsByStatus {
		statusCopy[k] = v
	}

	var lag int64
	if m.chainTip > 0 && m.nextSlot > 0 {
		lag = int64(m.chainTip) - int64(m.nextSlot)
	}

	return MetricsSnapshot{
		WorkerID:         m.workerID,
		SlotsByStatus:    statusCopy,
		FetchRate:        fetchRate,
		AvgLatency:       avgLatency,
		BytesFetched:     m.bytesFetched,
		Detections:       m.detections,
		PoolsPublished:   m.poolsPublished,
		EnrichErrors:     m.enrichErrors,
		DecodeErrors:     m.decodeErrors,
		BlocksDecoded:    m.blocksDecoded,
		QueueDepth:       m.queueDepth,
		QueueCap:         m.queueCap,
		QueueDrops:       m.queueDrops,
		MailboxWrites:    m.mailboxWrites,
		MailboxRejected:  m.mailboxRejected,
		MailboxTimeouts:  m.mailboxTimeouts,
		MailboxLastWait:  m.mailboxLastWait,
		NextSlot:         m.nextSlot,
		ChainTip:         m.chainTip,
		Lag:              lag,
		InFlight:         m.inFlight,
		WebSocket:        m.wsStatus,
		RecentSlots:      append([]SlotEntry(nil), m.recentSlots...),
		RecentDetections: append([]store.Detection(nil), m.recentDetections...),
		RecentEvents:     append([]store.DetectionEvent(nil), m.recentEvents...),
		RuleHits:         m.sortedRuleHits(),
		Uptime:           now.Sub(m.startTime),
	}
}

// sortedRuleHits orders rules by hit count, busiest first.
// Must be called with lock held.
func (m *MetricsTracker) sortedRuleHits() []RuleHit {
	hits := make([]RuleHit, 0, len(m.ruleHits))
	for _, h := range m.ruleHits {
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Count != hits[j].Count {
			return hits[i].Count > hits[j].Count
		}
		return hits[i].RuleName < hits[j].RuleName
	})
	return hits
}

// Cleanup removes stale data from the tracker.
func (m *MetricsTracker) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trimFetchTimes(now)

	cutoff := now.Add(-60 * time.Minute)
	for name, hit := range m.ruleHits {
		if hit.LastSeen.Before(cutoff) {
			delete(m.ruleHits, name)
		}
	}
}
