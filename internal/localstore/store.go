package localstore

import (
	"encoding/json"
	"sort"
	"sync"
)

// UpdateFunc receives the stored value of a category (nil when unset) and
// returns the value to store in its place.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Store is the device-side key/value store for category values.
//
// Set is a local edit and notifies OnChange subscribers. Update is an atomic
// read-modify-write used to merge server data; it is serialized with Set and
// does not notify.
type Store interface {
	Get(category string) (json.RawMessage, error)
	Set(category string, value json.RawMessage) error
	Update(category string, fn UpdateFunc) error
	OnChange(fn func(category string)) (unsubscribe func())
}

// Meta is the sync bookkeeping persisted next to the data.
type Meta struct {
	DeviceID     string `json:"deviceId"`
	LastSyncAt   int64  `json:"lastSyncAt"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// Pending lists categories changed locally and not yet acknowledged by
	// the server.
	Pending []string `json:"pending,omitempty"`
	// Synced holds, per record category, the keys the server knew about
	// after the last successful exchange.
	Synced map[string][]string `json:"synced,omitempty"`
}

func (m Meta) clone() Meta {
	m.Pending = append([]string(nil), m.Pending...)
	if m.Synced != nil {
		synced := make(map[string][]string, len(m.Synced))
		for k, v := range m.Synced {
			synced[k] = append([]string(nil), v...)
		}
		m.Synced = synced
	}
	return m
}

type MetaStore interface {
	LoadMeta() (Meta, error)
	SaveMeta(Meta) error
	// UpdateMeta loads, changes and saves the meta under one lock.
	UpdateMeta(fn func(*Meta)) error
}

// AddPending records categories as changed in the persisted meta, e.g. for
// edits made while no orchestrator is running.
func AddPending(ms MetaStore, categories ...string) error {
	return ms.UpdateMeta(func(m *Meta) {
		m.Pending = MergeKeys(m.Pending, categories...)
	})
}

// MergeKeys returns the sorted union of keys and extra.
func MergeKeys(keys []string, extra ...string) []string {
	set := make(map[string]struct{}, len(keys)+len(extra))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	for _, k := range extra {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(string)
}

func (l *listeners) add(fn func(string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = map[int]func(string){}
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(category string) {
	l.mu.Lock()
	fns := make([]func(string), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(category)
	}
}

// MemoryStore keeps everything in memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	meta   Meta
	subs   listeners
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]json.RawMessage{}}
}

func (m *MemoryStore) Get(category string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[category]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

func (m *MemoryStore) Set(category string, value json.RawMessage) error {
	m.mu.Lock()
	m.values[category] = append(json.RawMessage(nil), value...)
	m.mu.Unlock()
	m.subs.notify(category)
	return nil
}

func (m *MemoryStore) Update(category string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current json.RawMessage
	if v, ok := m.values[category]; ok {
		current = append(json.RawMessage(nil), v...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	m.values[category] = append(json.RawMessage(nil), next...)
	return nil
}

func (m *MemoryStore) OnChange(fn func(category string)) func() {
	return m.subs.add(fn)
}

func (m *MemoryStore) LoadMeta() (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.clone(), nil
}

func (m *MemoryStore) SaveMeta(meta Meta) error {
	m.mu.Lock()
	m.meta = meta.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) UpdateMeta(fn func(*Meta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.meta)
	return nil
}
