package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// parseLevel maps LOG_LEVEL to a slog level, defaulting to INFO.
func parseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 level=INFO msg=slot_fetched key=value
func setupLogger(levelStr string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(levelStr),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// logOutput picks the log destination. The dashboard owns the terminal, so
// with the TUI enabled logs go to logFile instead of stdout.
func logOutput(tui bool, logFile string) (io.Writer, func(), error) {
	if !tui || logFile == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
