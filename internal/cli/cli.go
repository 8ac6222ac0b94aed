// Package cli wires the engine's commands: a worker (run), the start
// signal broadcaster (signal) and a mailbox reader for debugging (drain).
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slotwatch/engine/internal/config"
	"github.com/slotwatch/engine/internal/coordinator"
	"github.com/slotwatch/engine/internal/ingest"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
	"github.com/spf13/cobra"
)

// Version is reported by --version.
const Version = "1.0.0"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Slot-partitioned block ingestion and pool detection",
		Long: `engine runs one worker of a fleet that splits the Solana slot
sequence round-robin: each worker fetches its own slots, hands every
block to the pool detector and to a shared-memory mailbox.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSignalCommand())
	rootCmd.AddCommand(buildDrainCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var workerID int
	var startSlot int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker",
		Long: `Start a worker: wait for the start signal on Redis (or use
--start-slot), then fetch the assigned slots until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("worker-id") {
				cfg.WorkerID = workerID
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := runOptions{}
			if startSlot >= 0 {
				s := store.Slot(startSlot)
				opts.startSlot = &s
			}
			return runWorker(ctx, cfg, opts)
		},
	}

	cmd.Flags().IntVarP(&workerID, "worker-id", "w", -1, "worker index in [0, WORKER_COUNT), overrides WORKER_ID")
	cmd.Flags().Int64Var(&startSlot, "start-slot", -1, "skip the start signal and begin at this base slot")

	return cmd
}

func buildSignalCommand() *cobra.Command {
	var slot int64
	var lead uint64
	var delay time.Duration
	var tipWait time.Duration

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Broadcast the start signal to all workers",
		Long: `Publish {"slot": S, "timestamp": T} on START_CHANNEL. S is --slot,
or the current chain tip plus --lead; T is now plus --delay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			base := store.Slot(slot)
			if slot < 0 {
				tip, err := currentTip(ctx, cfg, tipWait)
				if err != nil {
					return err
				}
				base = tip + lead
			}

			client := redis.NewClient(&redis.Options{Addr: cfg.RedisCmdAddr, Password: cfg.RedisPassword})
			defer client.Close()

			sig := coordinator.StartSignal{BaseSlot: base, Origin: time.Now().Add(delay)}
			n, err := coordinator.NewBroadcaster(client, cfg.StartChannel).Broadcast(ctx, sig)
			if err != nil {
				return err
			}

			logger.Info("start_signal_sent",
				"channel", cfg.StartChannel,
				"slot", sig.BaseSlot,
				"origin", sig.Origin.Format(time.RFC3339Nano),
				"receivers", n,
			)
			fmt.Fprintf(cmd.OutOrStdout(), "slot=%d origin=%s receivers=%d\n", sig.BaseSlot, sig.Origin.Format(time.RFC3339Nano), n)
			return nil
		},
	}

	cmd.Flags().Int64Var(&slot, "slot", -1, "base slot (default: chain tip + lead)")
	cmd.Flags().Uint64Var(&lead, "lead", 20, "slots ahead of the chain tip")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "start time offset from now")
	cmd.Flags().DurationVar(&tipWait, "tip-wait", 5*time.Second, "how long to wait for a websocket slot update")

	return cmd
}

// currentTip takes the tip from the slot subscription, falling back to a
// getSlot call when no update arrives within wait.
func currentTip(ctx context.Context, cfg *config.Config, wait time.Duration) (store.Slot, error) {
	watcher := ingest.NewSlotWatcher(cfg.RPCWSURL, nil)
	watcher.Start(ctx)
	defer watcher.Stop()

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if tip, err := watcher.WaitForTip(wctx); err == nil {
		return tip, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	client := ingest.NewBlockClient(cfg.RPCURL, cfg.RPCCommitment, nil)
	tip, err := client.GetSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain tip: %w", err)
	}
	return tip, nil
}

func buildDrainCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Read records from the shared-memory mailbox",
		Long: `Act as the mailbox reader: take each published record, free the
mailbox and print a one-line summary. Meant for local debugging when the
real consumer is not running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			seg, err := shm.Open(cfg.ShmName, cfg.ShmSize, mailboxOptions(cfg), logger)
			if err != nil {
				return err
			}
			defer seg.Close(false)

			err = drain(ctx, seg.Mailbox, count, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many records (0 = until interrupted)")

	return cmd
}

// drain reads up to count records (unbounded when count is 0) and writes a
// summary line per record.
func drain(ctx context.Context, mb *shm.Mailbox, count int, out io.Writer) error {
	for i := 0; count == 0 || i < count; i++ {
		data, err := mb.Read(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describeRecord(data))
	}
	return nil
}

func describeRecord(data []byte) string {
	block, err := store.DecodeBlock(data)
	switch {
	case err != nil:
		return fmt.Sprintf("bytes=%d undecodable: %v", len(data), err)
	case block == nil:
		return fmt.Sprintf("bytes=%d result=null", len(data))
	}
	return fmt.Sprintf("bytes=%d parent=%d txs=%d blockhash=%s",
		len(data), block.ParentSlot, len(block.Transactions), block.Blockhash)
}

func mailboxOptions(cfg *config.Config) shm.Options {
	return shm.Options{
		PollInterval: cfg.MailboxPoll,
		WarnAfter:    cfg.MailboxWarnAfter,
		MaxWait:      cfg.MailboxMaxWait,
		StaleClaim:   cfg.MailboxStale,
	}
}
