package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slotwatch/engine/internal/coordinator"
	"github.com/slotwatch/engine/internal/queue"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
	"golang.org/x/sync/semaphore"
)

// BlockFetcher retrieves one block by slot.
type BlockFetcher interface {
	GetBlock(ctx context.Context, slot store.Slot) ([]byte, error)
}

// MailboxWriter is the cross-process handoff.
type MailboxWriter interface {
	Write(ctx context.Context, payload []byte) (time.Duration, error)
}

// SchedulerConfig tunes the fetch loop.
type SchedulerConfig struct {
	TickInterval time.Duration
	FetchTimeout time.Duration
	MaxInFlight  int
}

// Scheduler issues one fetch per tick for the worker's next slot without
// waiting for earlier fetches to finish. At most MaxInFlight fetches run
// at once; a tick that finds the limiter saturated abandons its slot.
type Scheduler struct {
	assignment coordinator.Assignment
	fetcher    BlockFetcher
	queue      *queue.Bounded[store.BlockPayload]
	mailbox    MailboxWriter
	cfg        SchedulerConfig
	logger     *slog.Logger

	sem      *semaphore.Weighted
	next     atomic.Uint64
	inFlight atomic.Int64
	wg       sync.WaitGroup

	onResult func(store.SlotResult)
}

// NewScheduler wires a fetch loop. mailbox may be nil when the shared
// memory channel is disabled.
func NewScheduler(
	assignment coordinator.Assignment,
	fetcher BlockFetcher,
	q *queue.Bounded[store.BlockPayload],
	mailbox MailboxWriter,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		assignment: assignment,
		fetcher:    fetcher,
		queue:      q,
		mailbox:    mailbox,
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// OnResult registers a callback invoked once per slot outcome. It must be
// set before Run and must not block.
func (s *Scheduler) OnResult(fn func(store.SlotResult)) {
	s.onResult = fn
}

// Run ticks until ctx is cancelled, then waits for in-flight fetches.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler_started",
		"first_slot", s.assignment.SlotAt(0),
		"step", s.assignment.WorkerCount,
		"tick", s.cfg.TickInterval,
		"max_in_flight", s.cfg.MaxInFlight,
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler_stopped", "next_slot", s.NextSlot())
			return nil
		case <-ticker.C:
		}
	}
}

// NextSlot is the slot the next tick will request.
func (s *Scheduler) NextSlot() store.Slot {
	return s.assignment.SlotAt(s.next.Load())
}

// InFlight returns the number of outstanding fetches.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// tick advances the cursor unconditionally and, if a permit is free,
// starts the fetch in the background.
func (s *Scheduler) tick(ctx context.Context) {
	slot := s.assignment.SlotAt(s.next.Add(1) - 1)

	if !s.sem.TryAcquire(1) {
		s.logger.Warn("fetch_skipped", "slot", slot, "in_flight", s.InFlight())
		s.report(store.SlotResult{Slot: slot, Status: store.SlotSkipped, At: time.Now()})
		return
	}

	s.inFlight.Add(1)
	s.wg.Add(1)
	go s.fetch(ctx, slot)
}

func (s *Scheduler) fetch(ctx context.Context, slot store.Slot) {
	defer s.wg.Done()

	start := time.Now()
	data, err := s.fetchOne(ctx, slot)
	latency := time.Since(start)

	// The permit covers the network call only; the mailbox wait has its own bound.
	s.inFlight.Add(-1)
	s.sem.Release(1)

	result := store.SlotResult{Slot: slot, Latency: latency, At: time.Now()}

	switch {
	case errors.Is(err, ErrSlotNotAvailable):
		result.Status = store.SlotNotReady
		s.logger.Debug("slot_not_ready", "slot", slot, "latency_ms", latency.Milliseconds())
		s.report(result)
		return
	case err != nil:
		result.Status = store.SlotFailed
		result.Err = err
		if ctx.Err() == nil {
			s.logger.Warn("fetch_failed", "slot", slot, "error", err, "latency_ms", latency.Milliseconds())
		}
		s.report(result)
		return
	}

	result.Status = store.SlotFetched
	result.Size = len(data)
	s.logger.Info("slot_fetched", "slot", slot, "bytes", len(data), "latency_ms", latency.Milliseconds())

	result.Queued = s.queue.Push(store.BlockPayload{Slot: slot, Data: data, FetchedAt: result.At})
	if !result.Queued {
		s.logger.Warn("queue_full", "slot", slot, "drops", s.queue.Drops())
	}

	if s.mailbox != nil {
		result.Mailboxed = true
		result.MailboxWait, result.MailboxErr = s.mailbox.Write(ctx, data)
		switch {
		case errors.Is(result.MailboxErr, shm.ErrPayloadTooLarge):
			s.logger.Warn("mailbox_payload_too_large", "slot", slot, "bytes", len(data))
		case errors.Is(result.MailboxErr, shm.ErrMailboxBusy):
			s.logger.Warn("mailbox_timeout", "slot", slot, "waited", result.MailboxWait)
		case result.MailboxErr != nil && ctx.Err() == nil:
			s.logger.Warn("mailbox_write_failed", "slot", slot, "error", result.MailboxErr)
		}
	}

	s.report(result)
}

func (s *Scheduler) fetchOne(ctx context.Context, slot store.Slot) ([]byte, error) {
	fctx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	return s.fetcher.GetBlock(fctx, slot)
}

func (s *Scheduler) report(r store.SlotResult) {
	r.WorkerID = s.assignment.WorkerID
	if s.onResult != nil {
		s.onResult(r)
	}
}
