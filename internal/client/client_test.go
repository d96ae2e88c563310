package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"verse-sync/internal/protocol"
)

func TestSyncSendsRequestAndDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != protocol.DefaultBasePath+"/sync" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "u1" {
			t.Fatalf("expected X-User-ID u1, got %q", got)
		}
		var req protocol.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.DeviceID != "phone" || len(req.Changes) != 1 {
			t.Fatalf("unexpected request body: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.SyncResponse{
			SyncedAt: 42,
			Changes:  []protocol.SyncItem{{DataType: "notes", ItemID: "n2", Data: json.RawMessage(`{"id":"n2"}`), UpdatedAt: 7}},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "u1", nil)
	resp, err := c.Sync(context.Background(), protocol.SyncRequest{
		DeviceID: "phone",
		Changes:  []protocol.SyncItem{{DataType: "notes", ItemID: "n1", Data: json.RawMessage(`{}`), UpdatedAt: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SyncedAt != 42 || len(resp.Changes) != 1 || resp.Changes[0].ItemID != "n2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRefreshOnceThenRetry(t *testing.T) {
	var syncCalls, refreshCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case protocol.DefaultBasePath + "/sync":
			atomic.AddInt32(&syncCalls, 1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Error: "unauthorized"})
				return
			}
			_ = json.NewEncoder(w).Encode(protocol.SyncResponse{SyncedAt: 9, Changes: []protocol.SyncItem{}})
		case protocol.DefaultBasePath + "/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			var body protocol.RefreshRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.RefreshToken != "r1" {
				t.Fatalf("unexpected refresh token %q", body.RefreshToken)
			}
			_ = json.NewEncoder(w).Encode(protocol.TokenPair{AccessToken: "fresh", RefreshToken: "r2"})
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	session := NewSession("stale", "r1")
	var saved protocol.TokenPair
	session.OnChange(func(p protocol.TokenPair) { saved = p })
	c := NewClient(ts.Client(), ts.URL, "", session)

	resp, err := c.Sync(context.Background(), protocol.SyncRequest{DeviceID: "phone"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SyncedAt != 9 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if atomic.LoadInt32(&syncCalls) != 2 || atomic.LoadInt32(&refreshCalls) != 1 {
		t.Fatalf("expected 2 sync calls and 1 refresh, got %d and %d", syncCalls, refreshCalls)
	}
	if saved.RefreshToken != "r2" || session.AccessToken() != "fresh" {
		t.Fatalf("tokens not rotated: %+v", saved)
	}
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	var refreshCalls int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case protocol.DefaultBasePath + "/cursors":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(protocol.CursorsResponse{Cursors: []protocol.DeviceCursor{}})
		case protocol.DefaultBasePath + "/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			<-release
			_ = json.NewEncoder(w).Encode(protocol.TokenPair{AccessToken: "fresh", RefreshToken: "r2"})
		}
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "", NewSession("stale", "r1"))
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Cursors(context.Background())
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
}

func TestRejectedRefreshExpiresSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	session := NewSession("a", "r")
	c := NewClient(ts.Client(), ts.URL, "", session)
	_, err := c.Sync(context.Background(), protocol.SyncRequest{DeviceID: "phone"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if c.Authenticated() {
		t.Fatal("expected session cleared")
	}
}

func TestRateLimitAndServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Error: "internal_error"})
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "u1", nil)
	_, err := c.Sync(context.Background(), protocol.SyncRequest{DeviceID: "phone"})
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 12*time.Second || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error with 12s, got %v", err)
	}

	_, err = c.Sync(context.Background(), protocol.SyncRequest{DeviceID: "phone"})
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusInternalServerError || he.Code != "internal_error" {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	c := NewClient(ts.Client(), ts.URL, "", nil)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	ts.Close()
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error after server shutdown")
	}
}

func TestWithBasePathRoutesRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/cursors" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.CursorsResponse{Cursors: []protocol.DeviceCursor{{DeviceID: "phone"}}})
	}))
	defer ts.Close()

	c := NewClient(ts.Client(), ts.URL, "u1", nil).WithBasePath("api/sync/")
	cursors, err := c.Cursors(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cursors) != 1 || cursors[0].DeviceID != "phone" {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
}
