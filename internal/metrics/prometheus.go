package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
)

// Collector exposes the pipeline counters in Prometheus form. Its Record
// methods mirror MetricsTracker so both can hang off the same callbacks.
type Collector struct {
	slotsTotal     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	bytesFetched   prometheus.Counter
	queueDropped   prometheus.Counter
	queueDepth     prometheus.Gauge
	mailboxWrites  *prometheus.CounterVec
	mailboxWait    prometheus.Histogram
	blocksDecoded  prometheus.Counter
	decodeErrors   prometheus.Counter
	detections     *prometheus.CounterVec
	enrichErrors   prometheus.Counter
	poolsPublished prometheus.Counter
	chainTip       prometheus.Gauge
	nextSlot       prometheus.Gauge
	inFlight       prometheus.Gauge
	wsConnected    prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. Every
// series carries a worker_id label.
func NewCollector(reg prometheus.Registerer, workerID int) *Collector {
	labels := prometheus.Labels{"worker_id": strconv.Itoa(workerID)}

	c := &Collector{
		slotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "slotwatch_slots_total",
			Help:        "Scheduled slots by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "slotwatch_fetch_latency_seconds",
			Help:        "getBlock round trip for fetched slots",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_fetched_bytes_total",
			Help:        "Bytes of block payload fetched",
			ConstLabels: labels,
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_queue_dropped_total",
			Help:        "Fetched payloads dropped because the queue was full",
			ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slotwatch_queue_depth",
			Help:        "Payloads waiting for the detector",
			ConstLabels: labels,
		}),
		mailboxWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "slotwatch_mailbox_writes_total",
			Help:        "Shared-memory mailbox writes by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		mailboxWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "slotwatch_mailbox_wait_seconds",
			Help:        "Time spent waiting for the reader to free the mailbox",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5},
		}),
		blocksDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_blocks_decoded_total",
			Help:        "Blocks decoded by the detector",
			ConstLabels: labels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_decode_errors_total",
			Help:        "Payloads the detector could not decode",
			ConstLabels: labels,
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "slotwatch_detections_total",
			Help:        "Transactions matching a target rule",
			ConstLabels: labels,
		}, []string{"rule"}),
		enrichErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_enrich_errors_total",
			Help:        "Failed enrichments",
			ConstLabels: labels,
		}),
		poolsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slotwatch_pools_published_total",
			Help:        "Pools handed to the publishers",
			ConstLabels: labels,
		}),
		chainTip: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slotwatch_chain_tip_slot",
			Help:        "Latest slot reported by the node",
			ConstLabels: labels,
		}),
		nextSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slotwatch_next_slot",
			Help:        "Next slot the scheduler will request",
			ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slotwatch_fetches_in_flight",
			Help:        "getBlock calls currently outstanding",
			ConstLabels: labels,
		}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slotwatch_websocket_connected",
			Help:        "1 while the slot subscription is connected",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.slotsTotal,
		c.fetchLatency,
		c.bytesFetched,
		c.queueDropped,
		c.queueDepth,
		c.mailboxWrites,
		c.mailboxWait,
		c.blocksDecoded,
		c.decodeErrors,
		c.detections,
		c.enrichErrors,
		c.poolsPublished,
		c.chainTip,
		c.nextSlot,
		c.inFlight,
		c.wsConnected,
	)
	return c
}

// RecordSlot records the outcome of one scheduled slot.
func (c *Collector) RecordSlot(r store.SlotResult) {
	c.slotsTotal.WithLabelValues(string(r.Status)).Inc()
	if r.Status != store.SlotFetched {
		return
	}

	c.fetchLatency.Observe(r.Latency.Seconds())
	c.bytesFetched.Add(float64(r.Size))
	if !r.Queued {
		c.queueDropped.Inc()
	}

	if !r.Mailboxed {
		return
	}
	switch {
	case r.MailboxErr == nil:
		c.mailboxWrites.WithLabelValues("ok").Inc()
		c.mailboxWait.Observe(r.MailboxWait.Seconds())
	case errors.Is(r.MailboxErr, shm.ErrMailboxBusy):
		c.mailboxWrites.WithLabelValues("timeout").Inc()
	case errors.Is(r.MailboxErr, shm.ErrPayloadTooLarge):
		c.mailboxWrites.WithLabelValues("too_large").Inc()
	default:
		c.mailboxWrites.WithLabelValues("error").Inc()
	}
}

// RecordBlock counts a decoded block.
func (c *Collector) RecordBlock(_ store.Slot, _ int) {
	c.blocksDecoded.Inc()
}

// RecordDecodeError counts a payload that could not be decoded.
func (c *Collector) RecordDecodeError(_ store.Slot, _ error) {
	c.decodeErrors.Inc()
}

// RecordDetection counts a rule match.
func (c *Collector) RecordDetection(d store.Detection) {
	c.detections.WithLabelValues(d.RuleName).Inc()
}

// RecordEnrichError counts a failed enrichment.
func (c *Collector) RecordEnrichError(_ store.Detection, _ error) {
	c.enrichErrors.Inc()
}

// RecordEvent counts a published pool.
func (c *Collector) RecordEvent(_ store.DetectionEvent) {
	c.poolsPublished.Inc()
}

// SetChainTip sets the chain tip gauge.
func (c *Collector) SetChainTip(slot store.Slot) {
	c.chainTip.Set(float64(slot))
}

// SetScheduler sets the cursor and in-flight gauges.
func (c *Collector) SetScheduler(next store.Slot, inFlight int) {
	c.nextSlot.Set(float64(next))
	c.inFlight.Set(float64(inFlight))
}

// SetQueueDepth sets the queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetWebSocketConnected sets the websocket gauge.
func (c *Collector) SetWebSocketConnected(connected bool) {
	if connected {
		c.wsConnected.Set(1)
		return
	}
	c.wsConnected.Set(0)
}
