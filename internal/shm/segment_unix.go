//go:build unix

package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDir is where POSIX shm_open places named segments on Linux.
const DefaultDir = "/dev/shm"

// A process attaching right after another created the file may see it
// before it is sized.
var (
	attachWait = 2 * time.Second
	attachPoll = 10 * time.Millisecond
)

// Segment is a named shared-memory region mapped into this process.
type Segment struct {
	*Mailbox

	path    string
	data    []byte
	created bool
}

// Open creates the named segment with the given size, or attaches to it if
// another process created it first. A freshly created segment starts with
// the flag cleared (new pages read as zero).
func Open(name string, size int, opts Options, logger *slog.Logger) (*Segment, error) {
	return OpenIn(DefaultDir, name, size, opts, logger)
}

// OpenIn is Open with an explicit directory.
func OpenIn(dir, name string, size int, opts Options, logger *slog.Logger) (*Segment, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("segment size %d too small", size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, strings.TrimPrefix(name, "/"))

	created := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if errors.Is(err, os.ErrExist) {
		created = false
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	if created {
		if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("size segment %s: %w", path, err)
		}
	} else {
		// Attach with whatever size the creator chose.
		size, err = sizeOf(f)
		if err != nil {
			return nil, fmt.Errorf("stat segment %s: %w", path, err)
		}
		if size <= HeaderSize {
			return nil, fmt.Errorf("segment %s has size %d", path, size)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if created {
			os.Remove(path)
		}
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}

	mb, err := New(data, opts, logger)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if created {
		logger.Info("shm_created", "path", path, "size", size)
	} else {
		logger.Info("shm_attached", "path", path, "size", size, "flag", mb.Flag())
	}

	return &Segment{Mailbox: mb, path: path, data: data, created: created}, nil
}

// sizeOf returns the file size, waiting up to attachWait for the creator's
// Ftruncate.
func sizeOf(f *os.File) (int, error) {
	deadline := time.Now().Add(attachWait)
	for {
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		if info.Size() > HeaderSize || time.Now().After(deadline) {
			return int(info.Size()), nil
		}
		time.Sleep(attachPoll)
	}
}

// Created reports whether this process created the segment.
func (s *Segment) Created() bool { return s.created }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Close unmaps the region. With unlink set the name is removed as well;
// processes that still have it mapped keep working.
func (s *Segment) Close(unlink bool) error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", s.path, err))
		}
		s.data = nil
	}
	if unlink {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("unlink %s: %w", s.path, err))
		}
	}
	return errors.Join(errs...)
}
