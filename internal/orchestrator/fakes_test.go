package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"verse-sync/internal/protocol"
)

// waitFor polls cond until it holds. Mock clock callbacks run on their own
// goroutine, so effects of Add show up shortly after it returns.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	authed  bool
	reqs    []protocol.SyncRequest
	stamp   int64
	respond func(req protocol.SyncRequest) (protocol.SyncResponse, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{authed: true, stamp: 1000}
}

func (f *fakeTransport) Sync(ctx context.Context, req protocol.SyncRequest) (protocol.SyncResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.stamp += 1000
	stamp := f.stamp
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return protocol.SyncResponse{SyncedAt: stamp, Changes: []protocol.SyncItem{}}, nil
}

func (f *fakeTransport) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeTransport) setRespond(fn func(req protocol.SyncRequest) (protocol.SyncResponse, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeTransport) last() protocol.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}
