package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"verse-sync/internal/logging"
	"verse-sync/internal/protocol"
)

func TestMemoryStoreNotifiesAndUnsubscribes(t *testing.T) {
	m := NewMemoryStore()
	var calls int32
	unsub := m.OnChange(func(category string) {
		if category == protocol.TypeNotes {
			atomic.AddInt32(&calls, 1)
		}
	})
	if err := m.Set(protocol.TypeNotes, json.RawMessage(`[]`)); err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()
	_ = m.Set(protocol.TypeNotes, json.RawMessage(`[{"id":"a"}]`))
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
	v, _ := m.Get(protocol.TypeNotes)
	if string(v) != `[{"id":"a"}]` {
		t.Fatalf("unexpected value %s", v)
	}
	if v, _ := m.Get(protocol.TypeSettings); v != nil {
		t.Fatalf("expected nil for unset category, got %s", v)
	}
}

func TestFileStoreRoundTripAndMeta(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get(protocol.TypeSettings); err != nil || v != nil {
		t.Fatalf("expected empty value, got %s %v", v, err)
	}
	if err := s.Set(protocol.TypeSettings, json.RawMessage(`{"theme":"dark"}`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(protocol.TypeSettings)
	if err != nil || string(v) != `{"theme":"dark"}` {
		t.Fatalf("unexpected value %s %v", v, err)
	}
	if err := s.Set("bookmarks", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected unknown category rejected")
	}
	if err := s.Set(protocol.TypeNotes, json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected invalid json rejected")
	}

	meta, err := s.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if meta.DeviceID == "" {
		t.Fatal("expected generated device id")
	}
	meta.LastSyncAt = 77
	if err := s.SaveMeta(meta); err != nil {
		t.Fatal(err)
	}
	reopened, _ := NewFileStore(dir, logging.Discard())
	again, err := reopened.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if again.DeviceID != meta.DeviceID || again.LastSyncAt != 77 {
		t.Fatalf("meta not persisted: %+v", again)
	}
}

func TestFileStoreWatchReportsExternalEdits(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan string, 16)
	s.OnChange(func(category string) { events <- category })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(150 * time.Millisecond)

	if err := s.Set(protocol.TypeNotes, json.RawMessage(`[{"id":"a"}]`)); err != nil {
		t.Fatal(err)
	}
	if got := <-events; got != protocol.TypeNotes {
		t.Fatalf("unexpected category %q", got)
	}
	select {
	case got := <-events:
		t.Fatalf("own write reported twice (%s)", got)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "favorites.json"), []byte(`[{"book":1,"chapter":1,"verse":1}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-events:
		if got != protocol.TypeFavorites {
			t.Fatalf("unexpected category %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("external edit not reported")
	}
}

func TestFileStoreGetKeepsExternalEditVisible(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	var calls int32
	s.OnChange(func(string) { atomic.AddInt32(&calls, 1) })

	path := filepath.Join(dir, "notes.json")
	if err := os.WriteFile(path, []byte(`[{"id":"ext"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(protocol.TypeNotes); err != nil {
		t.Fatal(err)
	}
	s.handleFileEvent(path)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("external edit read before its event should still notify, got %d", n)
	}
}

func TestFileStoreUpdateIsSilentAndSeesCurrentValue(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(protocol.TypeNotes, json.RawMessage(`[{"id":"a"}]`)); err != nil {
		t.Fatal(err)
	}
	var calls int32
	s.OnChange(func(string) { atomic.AddInt32(&calls, 1) })

	err = s.Update(protocol.TypeNotes, func(current json.RawMessage) (json.RawMessage, error) {
		if string(current) != `[{"id":"a"}]` {
			t.Fatalf("unexpected current value %s", current)
		}
		return json.RawMessage(`[{"id":"a"},{"id":"b"}]`), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("update should not notify, got %d", n)
	}
	s.handleFileEvent(filepath.Join(dir, "notes.json"))
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("watcher should skip the update's own write, got %d", n)
	}
	v, _ := s.Get(protocol.TypeNotes)
	if string(v) != `[{"id":"a"},{"id":"b"}]` {
		t.Fatalf("unexpected value %s", v)
	}

	boom := errors.New("boom")
	err = s.Update(protocol.TypeNotes, func(json.RawMessage) (json.RawMessage, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if v, _ := s.Get(protocol.TypeNotes); string(v) != `[{"id":"a"},{"id":"b"}]` {
		t.Fatalf("failed update changed the value: %s", v)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	m := NewMemoryStore()
	var calls int32
	m.OnChange(func(string) { atomic.AddInt32(&calls, 1) })
	err := m.Update(protocol.TypeSettings, func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			t.Fatalf("expected nil for unset category, got %s", current)
		}
		return json.RawMessage(`{"theme":"dark"}`), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Get(protocol.TypeSettings); string(v) != `{"theme":"dark"}` {
		t.Fatalf("unexpected value %s", v)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("update should not notify, got %d", n)
	}
}

func TestAddPendingPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := AddPending(s, protocol.TypeNotes); err != nil {
		t.Fatal(err)
	}
	if err := AddPending(s, protocol.TypeFavorites, protocol.TypeNotes); err != nil {
		t.Fatal(err)
	}
	reopened, _ := NewFileStore(dir, logging.Discard())
	meta, err := reopened.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Pending) != 2 || meta.Pending[0] != protocol.TypeFavorites || meta.Pending[1] != protocol.TypeNotes {
		t.Fatalf("unexpected pending %v", meta.Pending)
	}
	if meta.DeviceID == "" {
		t.Fatal("expected device id created on first update")
	}
}
