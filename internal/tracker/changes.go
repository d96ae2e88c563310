package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"verse-sync/internal/protocol"
)

// State is the local value of each category as stored on the device.
type State map[string]json.RawMessage

// Clone returns a shallow copy; values are never mutated in place.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Known maps a per-record category to the record keys the server held after
// the last successful exchange.
type Known map[string][]string

// BuildSyncChanges turns the given categories of state into sync items.
// Per-record categories emit one item per keyed record, plus a tombstone for
// every known key the local list no longer holds. Singletons emit one item,
// a tombstone when the local value is null.
func BuildSyncChanges(categories []string, state State, known Known, now time.Time) ([]protocol.SyncItem, error) {
	nowMs := protocol.NowMillis(now)
	var out []protocol.SyncItem
	for _, category := range categories {
		mode, ok := protocol.AddressingOf(category)
		if !ok {
			return nil, fmt.Errorf("unknown data type %q", category)
		}
		value := state[category]
		if mode == protocol.Singleton {
			item := protocol.SyncItem{DataType: category, ItemID: protocol.SingletonID, UpdatedAt: nowMs}
			if protocol.IsNull(value) {
				item.Deleted = true
				item.Data = json.RawMessage("null")
			} else {
				item.Data = value
			}
			out = append(out, item)
			continue
		}
		items, err := buildRecords(category, value, known[category], nowMs)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func buildRecords(category string, value json.RawMessage, known []string, nowMs int64) ([]protocol.SyncItem, error) {
	raws, err := decodeList(category, value)
	if err != nil {
		return nil, err
	}
	keyFn := keyFuncs[category]
	byKey := make(map[string]int, len(raws))
	items := make([]protocol.SyncItem, 0, len(raws))
	for _, raw := range raws {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
			continue
		}
		key, ok := keyFn(rec)
		if !ok {
			continue
		}
		updatedAt, ok := recordUpdatedAt(rec)
		if !ok {
			updatedAt = nowMs
		}
		item := protocol.SyncItem{DataType: category, ItemID: key, Data: raw, UpdatedAt: updatedAt}
		if isSoftDeleted(rec) {
			item.Deleted = true
			item.Data = json.RawMessage("null")
		}
		// Keep one item per key; the newest copy wins.
		if i, dup := byKey[key]; dup {
			if updatedAt >= items[i].UpdatedAt {
				items[i] = item
			}
			continue
		}
		byKey[key] = len(items)
		items = append(items, item)
	}
	for _, key := range known {
		if _, present := byKey[key]; present {
			continue
		}
		items = append(items, protocol.SyncItem{
			DataType:  category,
			ItemID:    key,
			Data:      json.RawMessage("null"),
			UpdatedAt: nowMs,
			Deleted:   true,
		})
	}
	return items, nil
}

// LiveKeys returns the sorted keys of the records in value that are not
// flagged deleted. It returns nil for singleton categories.
func LiveKeys(category string, value json.RawMessage) ([]string, error) {
	keyFn, ok := keyFuncs[category]
	if !ok {
		return nil, nil
	}
	raws, err := decodeList(category, value)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(raws))
	keys := make([]string, 0, len(raws))
	for _, raw := range raws {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil || rec == nil || isSoftDeleted(rec) {
			continue
		}
		if key, ok := keyFn(rec); ok && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Advance returns the known keys after an exchange: categories that were
// sent take the live keys of the sent state, then the server's items add or
// remove their keys.
func (k Known) Advance(sent State, server []protocol.SyncItem) (Known, error) {
	sets := make(map[string]map[string]bool, len(k))
	load := func(category string, keys []string) {
		set := make(map[string]bool, len(keys))
		for _, key := range keys {
			set[key] = true
		}
		sets[category] = set
	}
	for category, keys := range k {
		load(category, keys)
	}
	for category, value := range sent {
		if _, ok := keyFuncs[category]; !ok {
			continue
		}
		keys, err := LiveKeys(category, value)
		if err != nil {
			return nil, err
		}
		load(category, keys)
	}
	for _, it := range server {
		if _, ok := keyFuncs[it.DataType]; !ok {
			continue
		}
		set := sets[it.DataType]
		if set == nil {
			set = map[string]bool{}
			sets[it.DataType] = set
		}
		if it.Deleted || protocol.IsNull(it.Data) {
			delete(set, it.ItemID)
		} else {
			set[it.ItemID] = true
		}
	}

	next := make(Known, len(sets))
	for category, set := range sets {
		if len(set) == 0 {
			continue
		}
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		next[category] = keys
	}
	return next, nil
}

func decodeList(category string, value json.RawMessage) ([]json.RawMessage, error) {
	if protocol.IsNull(value) {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(value, &raws); err != nil {
		return nil, fmt.Errorf("%s: expected a list of records: %w", category, err)
	}
	return raws, nil
}

// ApplyServerChanges writes server items into a copy of state without
// comparing timestamps. It returns the new state and the categories it
// touched. Items of unknown types are ignored.
func ApplyServerChanges(items []protocol.SyncItem, state State) (State, []string, error) {
	grouped := map[string][]protocol.SyncItem{}
	for _, it := range items {
		if !protocol.IsKnownType(it.DataType) {
			continue
		}
		grouped[it.DataType] = append(grouped[it.DataType], it)
	}

	next := state.Clone()
	touched := make([]string, 0, len(grouped))
	for category, group := range grouped {
		mode, _ := protocol.AddressingOf(category)
		if mode == protocol.Singleton {
			last := group[len(group)-1]
			if last.Deleted || protocol.IsNull(last.Data) {
				next[category] = json.RawMessage("null")
			} else {
				next[category] = last.Data
			}
			touched = append(touched, category)
			continue
		}
		merged, err := applyRecords(category, next[category], group)
		if err != nil {
			return nil, nil, err
		}
		next[category] = merged
		touched = append(touched, category)
	}
	sort.Strings(touched)
	return next, touched, nil
}

func applyRecords(category string, current json.RawMessage, items []protocol.SyncItem) (json.RawMessage, error) {
	raws, err := decodeList(category, current)
	if err != nil {
		return nil, err
	}
	keyFn := keyFuncs[category]
	index := make(map[string]int, len(raws))
	for i, raw := range raws {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
			continue
		}
		if key, ok := keyFn(rec); ok {
			index[key] = i
		}
	}

	removed := map[int]bool{}
	for _, it := range items {
		i, exists := index[it.ItemID]
		switch {
		case it.Deleted || protocol.IsNull(it.Data):
			if exists {
				removed[i] = true
				delete(index, it.ItemID)
			}
		case exists:
			raws[i] = it.Data
		default:
			index[it.ItemID] = len(raws)
			raws = append(raws, it.Data)
		}
	}

	out := make([]json.RawMessage, 0, len(raws))
	for i, raw := range raws {
		if !removed[i] {
			out = append(out, raw)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return b, nil
}
