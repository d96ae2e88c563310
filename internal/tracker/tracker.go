package tracker

import (
	"sort"
	"sync"
)

// Tracker records which categories changed since the last sync. It tracks
// categories, not individual mutations.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func New() *Tracker {
	return &Tracker{pending: map[string]struct{}{}}
}

func (t *Tracker) MarkChanged(category string) {
	t.mu.Lock()
	t.pending[category] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) HasPendingChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// ConsumePendingChanges returns the pending categories in sorted order and
// clears the set.
func (t *Tracker) ConsumePendingChanges() []string {
	t.mu.Lock()
	out := sortedKeys(t.pending)
	t.pending = map[string]struct{}{}
	t.mu.Unlock()
	return out
}

// Pending returns the pending categories without clearing them.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.pending)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
