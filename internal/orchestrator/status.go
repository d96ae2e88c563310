package orchestrator

import (
	"sync"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Snapshot is a point-in-time view of the sync state for display.
type Snapshot struct {
	Status            Status    `json:"status"`
	Message           string    `json:"message,omitempty"`
	Online            bool      `json:"online"`
	LastSyncAt        int64     `json:"lastSyncAt"`
	LastSuccess       time.Time `json:"lastSuccess"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	NextRetry         time.Time `json:"nextRetry"`
	Pending           []string  `json:"pending"`
}

type statusBoard struct {
	mu       sync.RWMutex
	snap     Snapshot
	onChange func(Snapshot)
}

func (b *statusBoard) update(fn func(s *Snapshot)) {
	b.mu.Lock()
	prev := b.snap
	fn(&b.snap)
	next := b.snap
	cb := b.onChange
	b.mu.Unlock()
	if cb != nil && (prev.Status != next.Status || prev.Message != next.Message || prev.LastSyncAt != next.LastSyncAt) {
		cb(next)
	}
}

func (b *statusBoard) markSyncing() {
	b.update(func(s *Snapshot) {
		s.Status = StatusSyncing
		s.Message = ""
	})
}

func (b *statusBoard) markSuccess(cursor int64, at time.Time) {
	b.update(func(s *Snapshot) {
		s.Status = StatusIdle
		if !s.Online {
			s.Status = StatusOffline
		}
		s.Message = ""
		s.LastSyncAt = cursor
		s.LastSuccess = at
		s.ConsecutiveErrors = 0
		s.NextRetry = time.Time{}
	})
}

func (b *statusBoard) markError(msg string, errs int, nextRetry time.Time) {
	b.update(func(s *Snapshot) {
		s.Status = StatusError
		s.Message = msg
		s.ConsecutiveErrors = errs
		s.NextRetry = nextRetry
	})
}

func (b *statusBoard) markOnline(online bool) {
	b.update(func(s *Snapshot) {
		s.Online = online
		if !online {
			s.Status = StatusOffline
			s.NextRetry = time.Time{}
			return
		}
		if s.Status == StatusOffline {
			s.Status = StatusIdle
		}
	})
}

func (b *statusBoard) snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}
