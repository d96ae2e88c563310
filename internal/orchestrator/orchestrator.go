package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"verse-sync/internal/client"
	"verse-sync/internal/localstore"
	"verse-sync/internal/logging"
	"verse-sync/internal/protocol"
	"verse-sync/internal/tracker"
)

var (
	ErrNotAuthenticated = errors.New("sync requires an authenticated session")
	ErrClosed           = errors.New("orchestrator closed")
)

// Transport performs one sync exchange with the server.
type Transport interface {
	Sync(ctx context.Context, req protocol.SyncRequest) (protocol.SyncResponse, error)
	Authenticated() bool
}

type Options struct {
	DeviceID    string
	Debounce    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       clock.Clock
	Rand        func() float64
	Logger      *logging.Logger
	OnStatus    func(Snapshot)
}

type phase int

const (
	phaseIdle phase = iota
	phaseScheduled
	phaseRunning
	phaseBackoff
)

// Orchestrator decides when the device syncs. Local changes are debounced
// into one exchange; failures retry with exponential backoff; at most one
// exchange runs at a time.
type Orchestrator struct {
	store     localstore.Store
	meta      localstore.MetaStore
	transport Transport
	tracker   *tracker.Tracker
	clock     clock.Clock
	backoff   *Backoff
	debounce  time.Duration
	logger    *logging.Logger
	status    statusBoard

	mu          sync.Mutex
	deviceID    string
	cursor      int64
	phase       phase
	timer       *clock.Timer
	gen         uint64
	online      bool
	halted      bool
	closed      bool
	errors      int
	unsubscribe func()
}

func New(store localstore.Store, meta localstore.MetaStore, transport Transport, opts Options) (*Orchestrator, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 3 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	m, err := meta.LoadMeta()
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = m.DeviceID
	}
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}

	// Categories changed before a restart are still owed to the server.
	pending := tracker.New()
	for _, c := range m.Pending {
		if protocol.IsKnownType(c) {
			pending.MarkChanged(c)
		}
	}

	o := &Orchestrator{
		store:     store,
		meta:      meta,
		transport: transport,
		tracker:   pending,
		clock:     opts.Clock,
		backoff:   NewBackoff(opts.BackoffBase, opts.BackoffMax, opts.Rand),
		debounce:  opts.Debounce,
		logger:    opts.Logger,
		deviceID:  deviceID,
		cursor:    m.LastSyncAt,
		online:    true,
	}
	o.status.snap = Snapshot{Status: StatusIdle, Online: true, LastSyncAt: m.LastSyncAt}
	o.status.onChange = opts.OnStatus
	o.unsubscribe = store.OnChange(o.onLocalChange)
	return o, nil
}

func (o *Orchestrator) DeviceID() string {
	return o.deviceID
}

func (o *Orchestrator) Cursor() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor
}

func (o *Orchestrator) Snapshot() Snapshot {
	s := o.status.snapshot()
	s.Pending = o.tracker.Pending()
	return s
}

// MarkChanged queues a category for the next sync without going through
// the store, e.g. for edits made while the process was not running.
func (o *Orchestrator) MarkChanged(category string) {
	o.onLocalChange(category)
}

func (o *Orchestrator) onLocalChange(category string) {
	// Marking inside UpdateMeta keeps the persisted set in step with the
	// tracker when an exchange rewrites it concurrently.
	err := o.meta.UpdateMeta(func(m *localstore.Meta) {
		o.tracker.MarkChanged(category)
		m.Pending = localstore.MergeKeys(m.Pending, category)
	})
	if err != nil {
		o.tracker.MarkChanged(category)
		o.logger.Warnf("persist pending %s: %v", category, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.online || o.halted {
		return
	}
	switch o.phase {
	case phaseIdle, phaseScheduled:
		o.scheduleLocked(o.debounce, phaseScheduled)
	}
	// Running picks the change up when it finishes; Backoff sends it with
	// the retry.
}

func (o *Orchestrator) scheduleLocked(d time.Duration, next phase) {
	o.stopTimerLocked()
	o.gen++
	gen := o.gen
	o.phase = next
	o.timer = o.clock.AfterFunc(d, func() { o.fire(gen) })
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.gen++
}

func (o *Orchestrator) fire(gen uint64) {
	o.mu.Lock()
	stale := gen != o.gen || o.closed
	if !stale {
		o.timer = nil
	}
	o.mu.Unlock()
	if stale {
		return
	}
	if _, err := o.PerformSync(context.Background(), false); err != nil {
		o.logger.Warnf("scheduled sync failed: %v", err)
	}
}

// PerformSync runs one exchange. If another exchange is running it returns
// the current cursor without starting a second one. While offline it does
// nothing.
func (o *Orchestrator) PerformSync(ctx context.Context, full bool) (int64, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrClosed
	}
	cursor := o.cursor
	if !o.online || o.phase == phaseRunning {
		o.mu.Unlock()
		return cursor, nil
	}
	if !o.transport.Authenticated() {
		o.mu.Unlock()
		return cursor, ErrNotAuthenticated
	}
	o.stopTimerLocked()
	o.phase = phaseRunning
	o.halted = false
	o.mu.Unlock()

	o.status.markSyncing()
	consumed := o.tracker.ConsumePendingChanges()

	next, err := o.exchange(ctx, full, consumed, cursor)
	if err != nil {
		o.fail(consumed, err)
		return cursor, err
	}

	o.mu.Lock()
	o.cursor = next
	o.errors = 0
	o.backoff.Reset()
	o.phase = phaseIdle
	if o.online && !o.closed && o.tracker.HasPendingChanges() {
		o.scheduleLocked(o.debounce, phaseScheduled)
	}
	o.mu.Unlock()

	o.status.markSuccess(next, o.clock.Now())
	o.logger.Debugf("sync ok cursor=%d", next)
	return next, nil
}

func (o *Orchestrator) exchange(ctx context.Context, full bool, consumed []string, cursor int64) (int64, error) {
	categories := consumed
	if full {
		categories = protocol.DataTypes()
	}
	dirty := make(map[string]bool, len(consumed))
	for _, c := range consumed {
		dirty[c] = true
	}

	m, err := o.meta.LoadMeta()
	if err != nil {
		return 0, fmt.Errorf("load sync state: %w", err)
	}
	known := tracker.Known(m.Synced)

	state, err := o.readState(categories)
	if err != nil {
		return 0, err
	}
	selected := categories
	if full {
		// A category that was never set locally would otherwise go out as a
		// singleton tombstone and wipe the server copy.
		selected = selected[:0:0]
		for _, c := range categories {
			if dirty[c] || !protocol.IsNull(state[c]) {
				selected = append(selected, c)
			}
		}
	}
	sent := make(tracker.State, len(selected))
	for _, c := range selected {
		sent[c] = state[c]
	}

	changes, err := tracker.BuildSyncChanges(selected, sent, known, o.clock.Now())
	if err != nil {
		return 0, err
	}
	resp, err := o.transport.Sync(ctx, protocol.SyncRequest{
		DeviceID:   o.deviceID,
		LastSyncAt: cursor,
		Changes:    changes,
	})
	if err != nil {
		return 0, err
	}
	o.logger.Debugf("sync sent=%d received=%d", len(changes), len(resp.Changes))

	if err := o.apply(resp.Changes); err != nil {
		return 0, err
	}
	nextKnown, err := known.Advance(sent, resp.Changes)
	if err != nil {
		return 0, err
	}

	err = o.meta.UpdateMeta(func(m *localstore.Meta) {
		m.DeviceID = o.deviceID
		m.LastSyncAt = resp.SyncedAt
		m.Synced = nextKnown
		m.Pending = o.tracker.Pending()
	})
	if err != nil {
		return 0, fmt.Errorf("save sync state: %w", err)
	}
	return resp.SyncedAt, nil
}

func (o *Orchestrator) readState(categories []string) (tracker.State, error) {
	state := make(tracker.State, len(categories))
	for _, c := range categories {
		v, err := o.store.Get(c)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", c, err)
		}
		state[c] = v
	}
	return state, nil
}

// apply merges server items into the store one category at a time. Each
// merge reads and writes under the store's lock, so a local edit is either
// merged into or lands after it, and it still counts as pending.
func (o *Orchestrator) apply(items []protocol.SyncItem) error {
	grouped := map[string][]protocol.SyncItem{}
	var categories []string
	for _, it := range items {
		if !protocol.IsKnownType(it.DataType) {
			continue
		}
		if _, ok := grouped[it.DataType]; !ok {
			categories = append(categories, it.DataType)
		}
		grouped[it.DataType] = append(grouped[it.DataType], it)
	}
	for _, c := range categories {
		err := o.store.Update(c, func(current json.RawMessage) (json.RawMessage, error) {
			next, _, err := tracker.ApplyServerChanges(grouped[c], tracker.State{c: current})
			if err != nil {
				return nil, err
			}
			if v := next[c]; v != nil {
				return v, nil
			}
			return json.RawMessage("null"), nil
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", c, err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(consumed []string, err error) {
	for _, c := range consumed {
		o.tracker.MarkChanged(c)
	}

	o.mu.Lock()
	o.phase = phaseIdle
	o.errors++
	n := o.errors
	online := o.online
	if errors.Is(err, client.ErrSessionExpired) {
		o.halted = true
		o.mu.Unlock()
		o.status.markError("session expired, sign in again", n, time.Time{})
		o.logger.Warnf("sync stopped: %v", err)
		return
	}
	if !online || o.closed {
		o.mu.Unlock()
		return
	}
	delay := o.backoff.Next()
	var rl *client.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	o.scheduleLocked(delay, phaseBackoff)
	retryAt := o.clock.Now().Add(delay)
	o.mu.Unlock()

	o.status.markError(err.Error(), n, retryAt)
	o.logger.Warnf("sync failed (attempt %d), retrying in %s: %v", n, delay.Round(time.Millisecond), err)
}

// SetOnline records a connectivity transition. Going offline cancels pending
// timers; coming back online syncs right away when changes are queued.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	if o.closed || o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	if !online {
		o.stopTimerLocked()
		if o.phase != phaseRunning {
			o.phase = phaseIdle
		}
		o.mu.Unlock()
		o.status.markOnline(false)
		o.logger.Infof("sync offline")
		return
	}
	trigger := !o.halted && o.tracker.HasPendingChanges()
	o.mu.Unlock()

	o.status.markOnline(true)
	o.logger.Infof("sync online")
	if trigger {
		if _, err := o.PerformSync(context.Background(), false); err != nil {
			o.logger.Warnf("sync after reconnect failed: %v", err)
		}
	}
}

// Reauthenticated resumes syncing after the session was renewed.
func (o *Orchestrator) Reauthenticated() {
	o.mu.Lock()
	o.halted = false
	trigger := o.online && !o.closed && o.tracker.HasPendingChanges()
	o.mu.Unlock()
	if trigger {
		if _, err := o.PerformSync(context.Background(), false); err != nil {
			o.logger.Warnf("sync after sign-in failed: %v", err)
		}
	}
}

// Close stops all timers and detaches from the store. An exchange already
// in flight runs to completion.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTimerLocked()
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
