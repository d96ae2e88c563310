package models

// ItemRecord is the stored form of one synced item. UpdatedAt is the
// client's edit time in milliseconds; SyncedAt is when the server last
// wrote the row, also in milliseconds.
type ItemRecord struct {
	UserID    string `json:"-"`
	DataType  string `json:"data_type"`
	ItemID    string `json:"item_id"`
	Data      []byte `json:"data"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted"`
	SyncedAt  int64  `json:"synced_at"`
}

// CursorRecord is a device's high-water mark. Both fields are server
// milliseconds.
type CursorRecord struct {
	UserID     string `json:"-"`
	DeviceID   string `json:"device_id"`
	LastSyncAt int64  `json:"last_sync_at"`
	LastSeenAt int64  `json:"last_seen_at"`
}
