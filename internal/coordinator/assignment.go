package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/slotwatch/engine/internal/store"
)

// Assignment is one worker's share of the slot sequence. It is fixed for
// the lifetime of the worker.
type Assignment struct {
	WorkerID       int
	WorkerCount    int
	BaseSlot       store.Slot
	StartWallclock time.Time
	Stagger        time.Duration
}

// NewAssignment seeds an assignment from a normalized start signal.
func NewAssignment(workerID, workerCount int, sig StartSignal, stagger time.Duration) (Assignment, error) {
	if workerCount < 1 {
		return Assignment{}, fmt.Errorf("worker count must be at least 1, got %d", workerCount)
	}
	if workerID < 0 || workerID >= workerCount {
		return Assignment{}, fmt.Errorf("worker id %d out of range [0, %d)", workerID, workerCount)
	}
	if stagger < 0 {
		return Assignment{}, fmt.Errorf("stagger must not be negative")
	}
	return Assignment{
		WorkerID:       workerID,
		WorkerCount:    workerCount,
		BaseSlot:       sig.BaseSlot,
		StartWallclock: sig.Origin,
		Stagger:        stagger,
	}, nil
}

// SlotAt returns the i-th slot this worker fetches:
// BaseSlot + WorkerID + i*WorkerCount.
func (a Assignment) SlotAt(i uint64) store.Slot {
	return a.BaseSlot + uint64(a.WorkerID) + i*uint64(a.WorkerCount)
}

// Owner returns the worker responsible for slot. Slots below BaseSlot
// belong to nobody.
func (a Assignment) Owner(slot store.Slot) (int, bool) {
	if slot < a.BaseSlot {
		return 0, false
	}
	return int((slot - a.BaseSlot) % uint64(a.WorkerCount)), true
}

// Owns reports whether slot falls in this worker's residue class.
func (a Assignment) Owns(slot store.Slot) bool {
	owner, ok := a.Owner(slot)
	return ok && owner == a.WorkerID
}

// StartTime is the wall-clock instant this worker issues its first fetch.
func (a Assignment) StartTime() time.Time {
	return a.StartWallclock.Add(time.Duration(a.WorkerID) * a.Stagger)
}

// WaitForStart sleeps until StartTime. It returns at once when the start
// time has already passed.
func (a Assignment) WaitForStart(ctx context.Context) error {
	wait := time.Until(a.StartTime())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
