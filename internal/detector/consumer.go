package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slotwatch/engine/internal/queue"
	"github.com/slotwatch/engine/internal/store"
)

// Enricher turns the account keys of a positive transaction into
// published pool data.
type Enricher interface {
	Enrich(ctx context.Context, accountKeys []string, workerID int) error
}

// Hooks observe the consumer. Any of them may be nil; none may block.
type Hooks struct {
	OnBlock       func(slot store.Slot, txCount int)
	OnDecodeError func(slot store.Slot, err error)
	OnDetection   func(d store.Detection)
	OnEnrichError func(d store.Detection, err error)
}

// Consumer drains the block queue, classifies every payload and enriches
// the positive transactions.
type Consumer struct {
	queue      *queue.Bounded[store.BlockPayload]
	classifier *Classifier
	enricher   Enricher
	workerID   int
	hooks      Hooks
	logger     *slog.Logger
}

// NewConsumer creates a consumer for one worker.
func NewConsumer(
	q *queue.Bounded[store.BlockPayload],
	classifier *Classifier,
	enricher Enricher,
	workerID int,
	hooks Hooks,
	logger *slog.Logger,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:      q,
		classifier: classifier,
		enricher:   enricher,
		workerID:   workerID,
		hooks:      hooks,
		logger:     logger,
	}
}

// Run pops payloads until ctx ends or the queue is closed and drained.
// A payload that fails to decode is skipped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("detector_started", "worker_id", c.workerID)
	defer c.logger.Info("detector_stopped", "worker_id", c.workerID)

	for {
		payload, err := c.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if _, err := c.Process(ctx, payload); err != nil {
			c.logger.Warn("payload_skipped", "slot", payload.Slot, "error", err)
		}
	}
}

// Process classifies one payload and enriches its positive transactions
// concurrently, returning once every enrichment has finished. Enrichment
// failures are logged per transaction and never fail the payload.
func (c *Consumer) Process(ctx context.Context, payload store.BlockPayload) ([]store.Detection, error) {
	block, err := store.DecodeBlock(payload.Data)
	if err != nil {
		if c.hooks.OnDecodeError != nil {
			c.hooks.OnDecodeError(payload.Slot, err)
		}
		return nil, fmt.Errorf("decode slot %d: %w", payload.Slot, err)
	}
	if block == nil {
		return nil, nil
	}
	if c.hooks.OnBlock != nil {
		c.hooks.OnBlock(payload.Slot, len(block.Transactions))
	}

	positives := c.classifier.ClassifyBlock(block)
	if len(positives) == 0 {
		return nil, nil
	}

	detections := make([]store.Detection, 0, len(positives))
	now := time.Now()
	for _, p := range positives {
		d := store.Detection{
			Slot:        payload.Slot,
			WorkerID:    c.workerID,
			Signature:   p.Tx.Signature(),
			RuleName:    p.Match.RuleName,
			ProgramID:   p.Match.ProgramID,
			Instruction: p.Match.Instruction,
			AccountKeys: p.Tx.AccountKeys(),
			At:          now,
		}
		detections = append(detections, d)

		c.logger.Info("pool_candidate_detected",
			"slot", d.Slot,
			"signature", d.Signature,
			"program_id", d.ProgramID,
			"instruction", d.Instruction,
			"account_keys", len(d.AccountKeys),
		)
		if c.hooks.OnDetection != nil {
			c.hooks.OnDetection(d)
		}
	}

	if c.enricher == nil {
		return detections, nil
	}

	var wg sync.WaitGroup
	for _, d := range detections {
		wg.Add(1)
		go func(d store.Detection) {
			defer wg.Done()
			c.enrichOne(ctx, d)
		}(d)
	}
	wg.Wait()

	return detections, nil
}

func (c *Consumer) enrichOne(ctx context.Context, d store.Detection) {
	defer func() {
		if r := recover(); r != nil {
			c.reportEnrichError(d, fmt.Errorf("enricher panic: %v", r))
		}
	}()

	if err := c.enricher.Enrich(ctx, d.AccountKeys, c.workerID); err != nil {
		c.reportEnrichError(d, err)
	}
}

func (c *Consumer) reportEnrichError(d store.Detection, err error) {
	c.logger.Warn("enrich_failed", "slot", d.Slot, "signature", d.Signature, "error", err)
	if c.hooks.OnEnrichError != nil {
		c.hooks.OnEnrichError(d, err)
	}
}
