package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// DefaultBasePath prefixes every sync endpoint except /healthz.
const DefaultBasePath = "/api/sync/v1"

// SyncItem is one addressable unit of synchronized data. The same shape
// travels in both directions.
type SyncItem struct {
	DataType  string          `json:"dataType"`
	ItemID    string          `json:"itemId"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
	Deleted   bool            `json:"deleted"`
}

// Key identifies the item within a user's data set.
func (it SyncItem) Key() string {
	return ItemKey(it.DataType, it.ItemID)
}

func ItemKey(dataType, itemID string) string {
	return dataType + ":" + itemID
}

type SyncRequest struct {
	DeviceID   string     `json:"deviceId"`
	LastSyncAt int64      `json:"lastSyncAt"`
	Changes    []SyncItem `json:"changes"`
}

type SyncResponse struct {
	SyncedAt int64      `json:"syncedAt"`
	Changes  []SyncItem `json:"changes"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type DeviceCursor struct {
	DeviceID   string `json:"deviceId"`
	LastSyncAt int64  `json:"lastSyncAt"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

type CursorsResponse struct {
	Cursors []DeviceCursor `json:"cursors"`
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NowMillis is the timestamp unit used on the wire.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// IsNull reports whether a payload is absent or JSON null.
func IsNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
