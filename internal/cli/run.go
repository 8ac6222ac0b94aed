package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/slotwatch/engine/internal/config"
	"github.com/slotwatch/engine/internal/coordinator"
	"github.com/slotwatch/engine/internal/detector"
	"github.com/slotwatch/engine/internal/enrich"
	"github.com/slotwatch/engine/internal/ingest"
	"github.com/slotwatch/engine/internal/metrics"
	"github.com/slotwatch/engine/internal/queue"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
	"github.com/slotwatch/engine/internal/ui"
	"golang.org/x/sync/errgroup"
)

const (
	// DetectionChannelBuffer is the size of the buffered channel feeding the TUI
	DetectionChannelBuffer = 100

	statusInterval  = time.Second
	cleanupInterval = 5 * time.Minute
)

type runOptions struct {
	// startSlot skips the Redis start signal when set.
	startSlot *store.Slot
}

// runWorker runs one worker until ctx is cancelled or the TUI quits.
func runWorker(ctx context.Context, cfg *config.Config, opts runOptions) error {
	out, closeLog, err := logOutput(cfg.EnableTUI, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	logger := setupLogger(cfg.LogLevel, out).With("worker_id", cfg.WorkerID)
	slog.SetDefault(logger)

	logger.Info("engine_starting", "version", Version)
	logger.Info("config_loaded",
		"rpc_url", cfg.MaskedRPCURL(),
		"rpc_ws_url", cfg.RPCWSURL,
		"commitment", cfg.RPCCommitment,
		"redis_cmd_addr", cfg.RedisCmdAddr,
		"redis_data_addr", cfg.RedisDataAddr,
		"redis_password", cfg.MaskedRedisPassword(),
		"worker_count", cfg.WorkerCount,
		"tick_interval", cfg.TickInterval,
		"stagger", cfg.Stagger,
		"max_in_flight", cfg.MaxInFlight,
		"queue_capacity", cfg.QueueCapacity,
		"shm_enabled", cfg.ShmEnabled,
		"shm_name", cfg.ShmName,
		"shm_size", cfg.ShmSize,
		"rules_file", cfg.RulesFile,
		"pool_server_url", cfg.PoolServerURL,
		"prometheus_port", cfg.PrometheusPort,
		"enable_tui", cfg.EnableTUI,
	)

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}
	classifier, err := detector.NewClassifier(rules)
	if err != nil {
		return err
	}
	logger.Info("rules_loaded", "count", len(rules))

	cmdClient := redis.NewClient(&redis.Options{Addr: cfg.RedisCmdAddr, Password: cfg.RedisPassword})
	defer cmdClient.Close()
	dataClient := cmdClient
	if cfg.RedisDataAddr != cfg.RedisCmdAddr {
		dataClient = redis.NewClient(&redis.Options{Addr: cfg.RedisDataAddr, Password: cfg.RedisPassword})
		defer dataClient.Close()
	}

	// Metrics
	tracker := metrics.NewMetricsTracker(cfg.WorkerID)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry, cfg.WorkerID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The slot watcher runs from the start so the dashboard shows the tip
	// while the worker waits for its signal.
	watcher := ingest.NewSlotWatcher(cfg.RPCWSURL, logger)
	watcher.OnSlot(func(slot store.Slot) {
		tracker.SetChainTip(slot)
		collector.SetChainTip(slot)
	})
	watcher.Start(ctx)
	defer watcher.Stop()

	q := queue.NewBounded[store.BlockPayload](cfg.QueueCapacity)

	var mailbox ingest.MailboxWriter
	if cfg.ShmEnabled {
		seg, err := shm.Open(cfg.ShmName, cfg.ShmSize, mailboxOptions(cfg), logger)
		if err != nil {
			return fmt.Errorf("shared memory: %w", err)
		}
		defer func() {
			if err := seg.Close(cfg.ShmUnlinkOnExit); err != nil {
				logger.Warn("shm_close_failed", "error", err)
			}
		}()
		mailbox = seg.Mailbox
		logger.Info("mailbox_ready", "path", seg.Path(), "max_payload", seg.MaxPayload(), "created", seg.Created())
	}

	// Enrichment and publishing
	publishers := []enrich.Publisher{enrich.NewRedisPublisher(dataClient, cfg.PublishChannel)}
	if cfg.PoolServerURL != "" {
		publishers = append(publishers, enrich.NewPoolServerPublisher(cfg.PoolServerURL, cfg.EnrichTimeout))
	}
	enricher := enrich.NewRaydiumEnricher(enrich.RaydiumConfig{
		APIURL:     cfg.RaydiumAPIURL,
		Timeout:    cfg.EnrichTimeout,
		MaxPoolAge: cfg.MaxPoolAge,
	}, publishers, logger)
	enricher.OnEvent(func(e store.DetectionEvent) {
		tracker.RecordEvent(e)
		collector.RecordEvent(e)
	})

	detectionChan := make(chan store.Detection, DetectionChannelBuffer)
	consumer := detector.NewConsumer(q, classifier, enricher, cfg.WorkerID, detector.Hooks{
		OnBlock: func(slot store.Slot, txCount int) {
			tracker.RecordBlock(slot, txCount)
			collector.RecordBlock(slot, txCount)
		},
		OnDecodeError: func(slot store.Slot, err error) {
			tracker.RecordDecodeError(slot, err)
			collector.RecordDecodeError(slot, err)
		},
		OnDetection: func(d store.Detection) {
			tracker.RecordDetection(d)
			collector.RecordDetection(d)
			if cfg.EnableTUI {
				select {
				case detectionChan <- d:
				default:
				}
			}
		},
		OnEnrichError: func(d store.Detection, err error) {
			tracker.RecordEnrichError(d, err)
			collector.RecordEnrichError(d, err)
		},
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.PrometheusPort > 0 {
		handler := metrics.Handler(registry, func() error {
			if q.Len() >= q.Cap() {
				return errors.New("detector queue full")
			}
			return nil
		})
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.PrometheusPort, handler, logger)
		})
	}

	if cfg.EnableTUI {
		app := ui.NewApp(detectionChan, tracker, cfg.UIRefreshRate)
		g.Go(func() error {
			err := app.Run(gctx)
			// Quitting the dashboard stops the worker.
			cancel()
			return err
		})
	}

	g.Go(func() error {
		return consumer.Run(gctx)
	})

	g.Go(func() error {
		runPeriodic(gctx, cleanupInterval, func() {
			tracker.Cleanup()
			if n := enricher.Recent().Cleanup(); n > 0 {
				logger.Debug("dedup_cleanup", "removed", n)
			}
		})
		return nil
	})

	g.Go(func() error {
		sig, err := awaitStart(gctx, cfg, opts, cmdClient, logger)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}

		assignment, err := coordinator.NewAssignment(cfg.WorkerID, cfg.WorkerCount, sig, cfg.Stagger)
		if err != nil {
			return err
		}
		logger.Info("assignment_ready",
			"base_slot", assignment.BaseSlot,
			"first_slot", assignment.SlotAt(0),
			"start_at", assignment.StartTime().Format(time.RFC3339Nano),
		)
		if err := assignment.WaitForStart(gctx); err != nil {
			return nil
		}

		client := ingest.NewBlockClient(cfg.RPCURL, cfg.RPCCommitment, nil)
		scheduler := ingest.NewScheduler(assignment, client, q, mailbox, ingest.SchedulerConfig{
			TickInterval: cfg.TickInterval,
			FetchTimeout: cfg.FetchTimeout,
			MaxInFlight:  cfg.MaxInFlight,
		}, logger)
		scheduler.OnResult(func(r store.SlotResult) {
			tracker.RecordSlot(r)
			collector.RecordSlot(r)
		})

		go runPeriodic(gctx, statusInterval, func() {
			next, inFlight := scheduler.NextSlot(), scheduler.InFlight()
			tracker.SetScheduler(next, inFlight)
			collector.SetScheduler(next, inFlight)
		})

		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		runPeriodic(gctx, statusInterval, func() {
			status := "disconnected"
			if watcher.Connected() {
				status = "connected"
			}
			tracker.SetWebSocketStatus(status)
			collector.SetWebSocketConnected(watcher.Connected())
			tracker.SetQueue(q.Len(), q.Cap(), q.Drops())
			collector.SetQueueDepth(q.Len())
		})
		return nil
	})

	logger.Info("engine_started", "tui_enabled", cfg.EnableTUI)

	err = g.Wait()
	logger.Info("shutting_down", "queued", q.Len(), "queue_drops", q.Drops())
	q.Close()
	if err != nil {
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}

// awaitStart returns the flag-provided start or waits for the broadcast.
func awaitStart(ctx context.Context, cfg *config.Config, opts runOptions, client redis.UniversalClient, logger *slog.Logger) (coordinator.StartSignal, error) {
	if opts.startSlot != nil {
		sig := coordinator.StartSignal{BaseSlot: *opts.startSlot, Origin: time.Now()}
		logger.Info("start_slot_from_flag", "base_slot", sig.BaseSlot)
		return sig, nil
	}
	return coordinator.NewSignalSource(client, cfg.StartChannel, logger).Await(ctx, cfg.StrictStartSignal)
}

// runPeriodic calls fn every interval until ctx ends.
func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
