package enrich

import (
	"sync"
	"time"
)

// RecentSet remembers keys for a fixed window so the same pool is not
// published twice by overlapping detections.
type RecentSet struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewRecentSet creates a set whose entries expire after window.
func NewRecentSet(window time.Duration) *RecentSet {
	return &RecentSet{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Seen records key and reports whether it was already recorded within the
// window.
func (r *RecentSet) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if at, ok := r.seen[key]; ok && now.Sub(at) < r.window {
		return true
	}
	r.seen[key] = now
	return false
}

// Forget drops key so it can be published again.
func (r *RecentSet) Forget(key string) {
	r.mu.Lock()
	delete(r.seen, key)
	r.mu.Unlock()
}

// Cleanup removes expired entries.
// Should be called periodically to keep the map bounded.
func (r *RecentSet) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	removed := 0
	for key, at := range r.seen {
		if !at.After(cutoff) {
			delete(r.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered keys.
func (r *RecentSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
