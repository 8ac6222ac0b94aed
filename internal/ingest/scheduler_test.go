package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slotwatch/engine/internal/coordinator"
	"github.com/slotwatch/engine/internal/queue"
	"github.com/slotwatch/engine/internal/shm"
	"github.com/slotwatch/engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, slot store.Slot) ([]byte, error)

func (f fetchFunc) GetBlock(ctx context.Context, slot store.Slot) ([]byte, error) {
	return f(ctx, slot)
}

type resultLog struct {
	mu      sync.Mutex
	results []store.SlotResult
}

func (l *resultLog) add(r store.SlotResult) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
}

func (l *resultLog) snapshot() []store.SlotResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.SlotResult(nil), l.results...)
}

func (l *resultLog) count(status store.SlotStatus) int {
	n := 0
	for _, r := range l.snapshot() {
		if r.Status == status {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testAssignment(t *testing.T, workerID, workerCount int, base uint64) coordinator.Assignment {
	t.Helper()
	a, err := coordinator.NewAssignment(workerID, workerCount, coordinator.StartSignal{BaseSlot: base, Origin: time.Now()}, 0)
	require.NoError(t, err)
	return a
}

// runScheduler runs s until stop returns true, then cancels and waits.
func runScheduler(t *testing.T, s *Scheduler, stop func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, stop, 5*time.Second, 2*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerFetchesAssignedSlots(t *testing.T) {
	q := queue.NewBounded[store.BlockPayload](100)
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		return []byte(fmt.Sprintf(`{"result":{"slot":%d}}`, slot)), nil
	})

	s := NewScheduler(testAssignment(t, 3, 6, 1000), fetcher, q, nil,
		SchedulerConfig{TickInterval: 5 * time.Millisecond, FetchTimeout: time.Second, MaxInFlight: 16},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	runScheduler(t, s, func() bool { return log.count(store.SlotFetched) >= 3 })

	// Every tick reports exactly once, whatever its outcome.
	var slots []uint64
	for _, r := range log.snapshot() {
		assert.Equal(t, 3, r.WorkerID)
		if r.Status == store.SlotFetched {
			assert.True(t, r.Queued)
		}
		slots = append(slots, r.Slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	require.GreaterOrEqual(t, len(slots), 3)
	assert.Equal(t, []uint64{1003, 1009, 1015}, slots[:3])
	for i, slot := range slots {
		assert.Equal(t, uint64(1003+6*i), slot)
	}

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(item.Data), fmt.Sprintf(`"slot":%d`, item.Slot))
}

func TestSchedulerWritesMailbox(t *testing.T) {
	mb, err := shm.New(make([]byte, 4096), shm.Options{PollInterval: time.Millisecond, MaxWait: time.Second}, discardLogger())
	require.NoError(t, err)

	q := queue.NewBounded[store.BlockPayload](10)
	var calls atomic.Int32
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		if calls.Add(1) > 1 {
			return nil, ErrSlotNotAvailable
		}
		return []byte(`{"result":{"slot":7}}`), nil
	})

	s := NewScheduler(testAssignment(t, 0, 1, 7), fetcher, q, mb,
		SchedulerConfig{TickInterval: 5 * time.Millisecond, FetchTimeout: time.Second, MaxInFlight: 1},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	runScheduler(t, s, func() bool { return log.count(store.SlotFetched) == 1 })

	data, ok, err := mb.TryRead()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"result":{"slot":7}}`, string(data))
	assert.Equal(t, 1, q.Len())
}

func TestSchedulerNotReadyAndFailures(t *testing.T) {
	q := queue.NewBounded[store.BlockPayload](10)
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		if slot%2 == 0 {
			return nil, fmt.Errorf("%w: null result", ErrSlotNotAvailable)
		}
		return nil, &HTTPStatusError{StatusCode: 502}
	})

	s := NewScheduler(testAssignment(t, 0, 1, 0), fetcher, q, nil,
		SchedulerConfig{TickInterval: 2 * time.Millisecond, FetchTimeout: time.Second, MaxInFlight: 4},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	runScheduler(t, s, func() bool {
		return log.count(store.SlotNotReady) >= 3 && log.count(store.SlotFailed) >= 3
	})

	for _, r := range log.snapshot() {
		switch r.Status {
		case store.SlotNotReady:
			assert.Zero(t, r.Slot%2)
			assert.NoError(t, r.Err)
		case store.SlotFailed:
			assert.Error(t, r.Err)
		}
	}
	assert.Zero(t, q.Len(), "only fetched blocks are queued")
}

func TestSchedulerFetchTimeout(t *testing.T) {
	q := queue.NewBounded[store.BlockPayload](10)
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := NewScheduler(testAssignment(t, 0, 1, 0), fetcher, q, nil,
		SchedulerConfig{TickInterval: 5 * time.Millisecond, FetchTimeout: 15 * time.Millisecond, MaxInFlight: 16},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	timedOut := func() int {
		n := 0
		for _, r := range log.snapshot() {
			if r.Status == store.SlotFailed && errors.Is(r.Err, context.DeadlineExceeded) {
				n++
			}
		}
		return n
	}
	runScheduler(t, s, func() bool { return timedOut() >= 2 })

	for _, r := range log.snapshot() {
		assert.Equal(t, store.SlotFailed, r.Status)
	}
}

// A hung RPC must not grow the number of outstanding requests without
// bound, and must not stall the slot cursor.
func TestSchedulerBoundsInFlightFetches(t *testing.T) {
	const limit = 3

	var current, peak atomic.Int64
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	q := queue.NewBounded[store.BlockPayload](10)
	s := NewScheduler(testAssignment(t, 1, 4, 100), fetcher, q, nil,
		SchedulerConfig{TickInterval: time.Millisecond, FetchTimeout: time.Hour, MaxInFlight: limit},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	runScheduler(t, s, func() bool { return log.count(store.SlotSkipped) >= 50 })

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Zero(t, s.InFlight())
	assert.GreaterOrEqual(t, s.NextSlot(), uint64(101+4*(50+limit)))

	for _, r := range log.snapshot() {
		assert.Equal(t, uint64(1), (r.Slot-100)%4, "slot %d outside worker residue", r.Slot)
	}
}

func TestSchedulerQueueFullAndOversizeMailbox(t *testing.T) {
	mb, err := shm.New(make([]byte, 64), shm.Options{PollInterval: time.Millisecond, MaxWait: 10 * time.Millisecond}, discardLogger())
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 100)
	q := queue.NewBounded[store.BlockPayload](1)
	fetcher := fetchFunc(func(ctx context.Context, slot store.Slot) ([]byte, error) {
		return big, nil
	})

	s := NewScheduler(testAssignment(t, 0, 1, 0), fetcher, q, mb,
		SchedulerConfig{TickInterval: 2 * time.Millisecond, FetchTimeout: time.Second, MaxInFlight: 2},
		discardLogger())
	log := &resultLog{}
	s.OnResult(log.add)

	runScheduler(t, s, func() bool { return log.count(store.SlotFetched) >= 3 })

	queued := 0
	for _, r := range log.snapshot() {
		if r.Status != store.SlotFetched {
			continue
		}
		if r.Queued {
			queued++
		}
		assert.ErrorIs(t, r.MailboxErr, shm.ErrPayloadTooLarge)
	}
	assert.Equal(t, 1, queued)
	assert.GreaterOrEqual(t, q.Drops(), uint64(2))
	assert.Equal(t, shm.FlagFree, mb.Flag())
}
