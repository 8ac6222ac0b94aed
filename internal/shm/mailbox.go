// Package shm implements the single-slot, flag-gated mailbox used to hand
// block payloads to a reader living in another process.
//
// Layout of the shared region:
//
//	byte 0       flag (0 = free, 1 = unread record, 2 = writer claim)
//	bytes 1..8   little-endian uint64 payload size
//	bytes 9..    payload
//
// A reader only acts on flag == 1 and clears it to 0 when done. Writers
// claim a free region by moving the flag 0 -> 2, fill size and data, and
// publish with 2 -> 1. The flag is the only synchronization primitive.
//
// While a claim is held, bytes 1..3 carry a token identifying it. A writer
// that finds the same claimed head word for StaleClaim assumes its owner
// died mid-write and takes the claim over.
//
// Bytes 0..3 form one aligned 32-bit word. All Go-side accesses to them
// are atomic on that word, so the flag and the low size bytes are never
// touched by plain loads or stores.
package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Region layout.
const (
	FlagOffset = 0
	SizeOffset = 1
	DataOffset = 9
	HeaderSize = DataOffset
)

// Flag values.
const (
	FlagFree    uint8 = 0
	FlagReady   uint8 = 1
	FlagClaimed uint8 = 2
)

var (
	// ErrPayloadTooLarge means the payload does not fit in capacity-HeaderSize.
	ErrPayloadTooLarge = errors.New("payload exceeds mailbox capacity")
	// ErrMailboxBusy means the reader did not free the mailbox within MaxWait.
	ErrMailboxBusy = errors.New("mailbox not released by reader")
	// ErrClaimLost means another writer took over this writer's claim.
	ErrClaimLost = errors.New("mailbox claim taken over by another writer")
	// ErrCorruptRecord means a published record announced an impossible size.
	ErrCorruptRecord = errors.New("mailbox record size out of range")
)

// Options tune the writer wait loop.
type Options struct {
	// PollInterval caps the delay between flag checks while the reader holds
	// the mailbox.
	PollInterval time.Duration

	// WarnAfter logs a starvation warning every time the wait crosses a
	// multiple of this duration.
	WarnAfter time.Duration

	// MaxWait bounds the total wait; zero waits until the context ends.
	MaxWait time.Duration

	// StaleClaim is how long a claim may sit unchanged before another
	// writer takes it over.
	StaleClaim time.Duration
}

// DefaultOptions mirror the reader cadence of the foreign consumer.
func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Millisecond,
		WarnAfter:    500 * time.Millisecond,
		MaxWait:      5 * time.Second,
		StaleClaim:   10 * time.Second,
	}
}

// Mailbox is a view over a shared region. It holds at most one unread
// payload.
type Mailbox struct {
	buf    []byte
	word   *uint32
	opts   Options
	logger *slog.Logger

	// last claimed head word seen by a waiting writer, and since when
	mu         sync.Mutex
	staleWord  uint32
	staleSince time.Time
}

var claimSeq atomic.Uint32

// New wraps buf, which must be at least HeaderSize+1 bytes long and 4-byte
// aligned (mmap'd regions and heap slices of 8+ bytes always are).
func New(buf []byte, opts Options, logger *slog.Logger) (*Mailbox, error) {
	if len(buf) <= HeaderSize {
		return nil, fmt.Errorf("mailbox region too small: %d bytes", len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return nil, fmt.Errorf("mailbox region is not 4-byte aligned")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = DefaultOptions().WarnAfter
	}
	if opts.StaleClaim <= 0 {
		opts.StaleClaim = DefaultOptions().StaleClaim
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		buf:    buf,
		word:   (*uint32)(unsafe.Pointer(&buf[0])),
		opts:   opts,
		logger: logger,
	}, nil
}

// Capacity returns the total region size, header included.
func (m *Mailbox) Capacity() int { return len(m.buf) }

// MaxPayload returns the largest payload Write accepts.
func (m *Mailbox) MaxPayload() int { return len(m.buf) - HeaderSize }

// head atomically loads bytes 0..3.
func (m *Mailbox) head() (uint32, [4]byte) {
	w := atomic.LoadUint32(m.word)
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return w, b
}

// Flag returns the current flag value.
func (m *Mailbox) Flag() uint8 {
	_, b := m.head()
	return b[FlagOffset]
}

// swapFlag moves the flag from one value to another, leaving the other three
// bytes of the word untouched. It fails if the flag does not hold from.
func (m *Mailbox) swapFlag(from, to uint8) bool {
	for {
		w, b := m.head()
		if b[FlagOffset] != from {
			return false
		}
		b[FlagOffset] = to
		if atomic.CompareAndSwapUint32(m.word, w, binary.NativeEndian.Uint32(b[:])) {
			return true
		}
	}
}

// claimWord builds a head word holding FlagClaimed and a fresh token.
func claimWord() uint32 {
	token := uint32(os.Getpid())*2654435761 + claimSeq.Add(1)
	b := [4]byte{FlagClaimed, byte(token), byte(token >> 8), byte(token >> 16)}
	return binary.NativeEndian.Uint32(b[:])
}

// tryClaim moves a free mailbox to claimed and returns the new head word.
func (m *Mailbox) tryClaim() (uint32, bool) {
	for {
		w, b := m.head()
		if b[FlagOffset] != FlagFree {
			return 0, false
		}
		next := claimWord()
		if atomic.CompareAndSwapUint32(m.word, w, next) {
			return next, true
		}
	}
}

// takeOverStale claims the mailbox from a writer whose claim has not moved
// for StaleClaim.
func (m *Mailbox) takeOverStale(now time.Time) (uint32, bool) {
	w, b := m.head()

	m.mu.Lock()
	defer m.mu.Unlock()

	if b[FlagOffset] != FlagClaimed {
		m.staleWord, m.staleSince = 0, time.Time{}
		return 0, false
	}
	if w != m.staleWord || m.staleSince.IsZero() {
		m.staleWord, m.staleSince = w, now
		return 0, false
	}
	if now.Sub(m.staleSince) < m.opts.StaleClaim {
		return 0, false
	}

	next := claimWord()
	if !atomic.CompareAndSwapUint32(m.word, w, next) {
		return 0, false
	}
	m.logger.Warn("mailbox_claim_taken_over", "unchanged_for", now.Sub(m.staleSince).Round(time.Millisecond))
	m.staleWord, m.staleSince = 0, time.Time{}
	return next, true
}

// storeSizeHead replaces the claim token with the first three size bytes.
// It fails if the head no longer holds this writer's claim.
func (m *Mailbox) storeSizeHead(claimed uint32, size [8]byte) (uint32, bool) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], claimed)
	copy(b[SizeOffset:], size[:4-SizeOffset])
	next := binary.NativeEndian.Uint32(b[:])
	return next, atomic.CompareAndSwapUint32(m.word, claimed, next)
}

// publish moves this writer's claimed head to ready.
func (m *Mailbox) publish(head uint32) bool {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], head)
	b[FlagOffset] = FlagReady
	return atomic.CompareAndSwapUint32(m.word, head, binary.NativeEndian.Uint32(b[:]))
}

// Write publishes payload once the reader has freed the mailbox. It returns
// how long it waited. An oversize payload is rejected without touching the
// flag.
func (m *Mailbox) Write(ctx context.Context, payload []byte) (time.Duration, error) {
	if len(payload) > m.MaxPayload() {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), m.MaxPayload())
	}

	claimed, waited, err := m.claim(ctx)
	if err != nil {
		return waited, err
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(payload)))
	head, ok := m.storeSizeHead(claimed, size)
	if !ok {
		return waited, ErrClaimLost
	}
	copy(m.buf[4:DataOffset], size[4-SizeOffset:])
	copy(m.buf[DataOffset:], payload)

	// Flag last: a reader that sees FlagReady sees the whole record.
	if !m.publish(head) {
		return waited, ErrClaimLost
	}
	return waited, nil
}

// claim polls until the flag moves from free to claimed, or until a stale
// claim can be taken over. It returns the claimed head word.
func (m *Mailbox) claim(ctx context.Context) (uint32, time.Duration, error) {
	if w, ok := m.tryClaim(); ok {
		return w, 0, nil
	}

	start := time.Now()
	nextWarn := m.opts.WarnAfter
	interval := time.Millisecond
	if interval > m.opts.PollInterval {
		interval = m.opts.PollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, time.Since(start), ctx.Err()
		case <-timer.C:
		}

		if w, ok := m.tryClaim(); ok {
			return w, time.Since(start), nil
		}
		if w, ok := m.takeOverStale(time.Now()); ok {
			return w, time.Since(start), nil
		}

		waited := time.Since(start)
		if m.opts.MaxWait > 0 && waited >= m.opts.MaxWait {
			return 0, waited, ErrMailboxBusy
		}
		if waited >= nextWarn {
			m.logger.Warn("mailbox_wait", "waited", waited.Round(time.Millisecond), "flag", m.Flag())
			nextWarn += m.opts.WarnAfter
		}

		interval *= 2
		if interval > m.opts.PollInterval {
			interval = m.opts.PollInterval
		}
		timer.Reset(interval)
	}
}

// TryRead implements the reader side of the protocol: if a record is ready
// it is copied out and the mailbox is freed.
func (m *Mailbox) TryRead() ([]byte, bool, error) {
	_, b := m.head()
	if b[FlagOffset] != FlagReady {
		return nil, false, nil
	}

	var raw [8]byte
	copy(raw[:], b[SizeOffset:])
	copy(raw[4-SizeOffset:], m.buf[4:DataOffset])
	size := binary.LittleEndian.Uint64(raw[:])
	if size > uint64(m.MaxPayload()) {
		m.swapFlag(FlagReady, FlagFree)
		return nil, false, fmt.Errorf("%w: %d", ErrCorruptRecord, size)
	}

	out := make([]byte, size)
	copy(out, m.buf[DataOffset:DataOffset+int(size)])
	m.swapFlag(FlagReady, FlagFree)
	return out, true, nil
}

// Read blocks until a record is available or ctx ends.
func (m *Mailbox) Read(ctx context.Context) ([]byte, error) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		data, ok, err := m.TryRead()
		if err != nil || ok {
			return data, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
