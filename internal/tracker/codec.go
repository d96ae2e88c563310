package tracker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"verse-sync/internal/protocol"
)

type record map[string]json.RawMessage

// keyFuncs derive the item id of a record for per-record categories.
var keyFuncs = map[string]func(record) (string, bool){
	protocol.TypeFavorites:    verseRefKey,
	protocol.TypeNotes:        noteKey,
	protocol.TypePlanProgress: fieldKey("planId"),
	protocol.TypeVerseLists:   fieldKey("id"),
	protocol.TypeDevotionals:  fieldKey("id"),
}

// RecordKey returns the item id a record of dataType syncs under.
func RecordKey(dataType string, data json.RawMessage) (string, error) {
	fn, ok := keyFuncs[dataType]
	if !ok {
		return "", fmt.Errorf("%s is not a per-record category", dataType)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", err
	}
	key, ok := fn(rec)
	if !ok {
		return "", fmt.Errorf("%s record has no key", dataType)
	}
	return key, nil
}

func fieldKey(name string) func(record) (string, bool) {
	return func(r record) (string, bool) {
		return scalarString(r[name])
	}
}

func verseRefKey(r record) (string, bool) {
	parts := make([]string, 0, 3)
	for _, f := range []string{"book", "chapter", "verse"} {
		s, ok := scalarString(r[f])
		if !ok {
			return "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ":"), true
}

func noteKey(r record) (string, bool) {
	if id, ok := scalarString(r["id"]); ok {
		return id, true
	}
	return verseRefKey(r)
}

// scalarString renders a JSON string or number as a key component.
func scalarString(raw json.RawMessage) (string, bool) {
	if protocol.IsNull(raw) {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		typed = strings.TrimSpace(typed)
		return typed, typed != ""
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10), true
		}
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	default:
		return "", false
	}
}

// isSoftDeleted reports whether a record carries "deleted": true.
func isSoftDeleted(r record) bool {
	var deleted bool
	return json.Unmarshal(r["deleted"], &deleted) == nil && deleted
}

// recordUpdatedAt reads a record's own updatedAt, in milliseconds or as an
// RFC 3339 string.
func recordUpdatedAt(r record) (int64, bool) {
	raw, ok := r["updatedAt"]
	if !ok || protocol.IsNull(raw) {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch typed := v.(type) {
	case float64:
		if typed <= 0 {
			return 0, false
		}
		return int64(typed), true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return ts.UnixMilli(), true
		}
	}
	return 0, false
}
