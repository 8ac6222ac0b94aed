// Package main is the entry point for the slot ingestion engine.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/slotwatch/engine/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		slog.Error("engine_failed", "error", err)
		os.Exit(1)
	}
}
