//go:build !unix

package shm

import (
	"errors"
	"log/slog"
)

// DefaultDir is unused on platforms without POSIX shared memory.
const DefaultDir = ""

// Segment is unavailable on this platform.
type Segment struct {
	*Mailbox
}

// Open always fails on this platform.
func Open(name string, size int, opts Options, logger *slog.Logger) (*Segment, error) {
	return OpenIn(DefaultDir, name, size, opts, logger)
}

// OpenIn always fails on this platform.
func OpenIn(dir, name string, size int, opts Options, logger *slog.Logger) (*Segment, error) {
	return nil, errors.ErrUnsupported
}

// Created reports false.
func (s *Segment) Created() bool { return false }

// Path returns "".
func (s *Segment) Path() string { return "" }

// Close is a no-op.
func (s *Segment) Close(unlink bool) error { return nil }
