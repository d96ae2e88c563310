package merge

import (
	"sync"

	"verse-sync/internal/protocol"
)

// Resolution tells the merge engine what to do with one incoming item
// given the stored version. Store writes Item to the server record; Return
// queues Item into the response for the caller to apply.
type Resolution struct {
	Item   protocol.SyncItem
	Store  bool
	Return bool
}

// Strategy resolves an incoming item against an existing server record of
// the same key. Both items share dataType and itemId.
type Strategy interface {
	Resolve(server, incoming protocol.SyncItem) (Resolution, error)
}

type Registry struct {
	mu       sync.RWMutex
	fallback Strategy
	byType   map[string]Strategy
}

func NewRegistry(fallback Strategy) *Registry {
	if fallback == nil {
		fallback = LastWriteWins{}
	}
	return &Registry{fallback: fallback, byType: map[string]Strategy{}}
}

// DefaultRegistry is last-write-wins for every type except planProgress.
func DefaultRegistry() *Registry {
	r := NewRegistry(LastWriteWins{})
	r.Register(protocol.TypePlanProgress, PlanProgress{})
	return r
}

func (r *Registry) Register(dataType string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[dataType] = s
}

func (r *Registry) For(dataType string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byType[dataType]; ok {
		return s
	}
	return r.fallback
}

type LastWriteWins struct{}

func (LastWriteWins) Resolve(server, incoming protocol.SyncItem) (Resolution, error) {
	switch {
	case incoming.UpdatedAt > server.UpdatedAt:
		return Resolution{Item: incoming, Store: true}, nil
	case server.UpdatedAt > incoming.UpdatedAt:
		return Resolution{Item: server, Return: true}, nil
	default:
		return Resolution{}, nil
	}
}
