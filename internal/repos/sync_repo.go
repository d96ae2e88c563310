package repos

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"

	"verse-sync/internal/models"
)

var ErrNotFound = errors.New("not found")

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

type SyncRepo struct {
	db      *sql.DB
	dialect Dialect
}

func NewSyncRepo(db *sql.DB) *SyncRepo {
	return &SyncRepo{db: db, dialect: DialectSQLite}
}

func NewSyncRepoWithDialect(db *sql.DB, dialect Dialect) *SyncRepo {
	return &SyncRepo{db: db, dialect: dialect}
}

func (r *SyncRepo) DB() *sql.DB {
	return r.db
}

func (r *SyncRepo) Dialect() Dialect {
	return r.dialect
}

func (r *SyncRepo) rebind(query string) string {
	return rebind(r.dialect, query)
}

// rebind rewrites ? placeholders to $N for postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *SyncRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LockUserTx serializes transactions of one user until commit. SQLite runs
// with a single connection, so only postgres needs the advisory lock.
func (r *SyncRepo) LockUserTx(ctx context.Context, tx *sql.Tx, userID string) error {
	if r.dialect != DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userLockKey(userID))
	return err
}

func userLockKey(userID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("sync_items"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(userID))
	return int64(hasher.Sum64())
}

// LastStampTx returns the largest server timestamp already handed out to the
// user, either as a row's synced_at or as a device cursor.
func (r *SyncRepo) LastStampTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var items, cursors int64
	if err := tx.QueryRowContext(ctx, r.rebind(
		`SELECT COALESCE(MAX(synced_at), 0) FROM sync_items WHERE user_id = ?`), userID).Scan(&items); err != nil {
		return 0, err
	}
	if err := tx.QueryRowContext(ctx, r.rebind(
		`SELECT COALESCE(MAX(last_sync_at), 0) FROM sync_cursors WHERE user_id = ?`), userID).Scan(&cursors); err != nil {
		return 0, err
	}
	if cursors > items {
		return cursors, nil
	}
	return items, nil
}

func (r *SyncRepo) GetItemTx(ctx context.Context, tx *sql.Tx, userID, dataType, itemID string) (*models.ItemRecord, error) {
	row := tx.QueryRowContext(ctx, r.rebind(`
		SELECT user_id, data_type, item_id, data, updated_at, deleted, synced_at
		FROM sync_items WHERE user_id = ? AND data_type = ? AND item_id = ?
	`), userID, dataType, itemID)
	return scanItem(row)
}

func (r *SyncRepo) UpsertItemTx(ctx context.Context, tx *sql.Tx, item *models.ItemRecord) error {
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO sync_items (user_id, data_type, item_id, data, updated_at, deleted, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, data_type, item_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			synced_at = excluded.synced_at
	`), item.UserID, item.DataType, item.ItemID, dataText(item.Data), item.UpdatedAt, item.Deleted, item.SyncedAt)
	return err
}

// ListChangedSinceTx returns the user's rows written by the server after since.
func (r *SyncRepo) ListChangedSinceTx(ctx context.Context, tx *sql.Tx, userID string, since int64) ([]models.ItemRecord, error) {
	rows, err := tx.QueryContext(ctx, r.rebind(`
		SELECT user_id, data_type, item_id, data, updated_at, deleted, synced_at
		FROM sync_items
		WHERE user_id = ? AND synced_at > ?
		ORDER BY synced_at ASC, data_type ASC, item_id ASC
	`), userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ItemRecord
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (r *SyncRepo) UpsertCursorTx(ctx context.Context, tx *sql.Tx, c *models.CursorRecord) error {
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO sync_cursors (user_id, device_id, last_sync_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_seen_at = excluded.last_seen_at
	`), c.UserID, c.DeviceID, c.LastSyncAt, c.LastSeenAt)
	return err
}

func (r *SyncRepo) GetCursor(ctx context.Context, userID, deviceID string) (*models.CursorRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT user_id, device_id, last_sync_at, last_seen_at
		FROM sync_cursors WHERE user_id = ? AND device_id = ?
	`), userID, deviceID)
	var c models.CursorRecord
	if err := row.Scan(&c.UserID, &c.DeviceID, &c.LastSyncAt, &c.LastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *SyncRepo) ListCursors(ctx context.Context, userID string) ([]models.CursorRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT user_id, device_id, last_sync_at, last_seen_at
		FROM sync_cursors WHERE user_id = ?
		ORDER BY device_id ASC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cursors := make([]models.CursorRecord, 0)
	for rows.Next() {
		var c models.CursorRecord
		if err := rows.Scan(&c.UserID, &c.DeviceID, &c.LastSyncAt, &c.LastSeenAt); err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// ListTombstoneUsers returns every user that has at least one tombstone.
func (r *SyncRepo) ListTombstoneUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT DISTINCT user_id FROM sync_items WHERE deleted = ? ORDER BY user_id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MinActiveCursor returns the smallest cursor among devices seen after
// seenAfter. ok is false when the user has no such device.
func (r *SyncRepo) MinActiveCursor(ctx context.Context, userID string, seenAfter int64) (min int64, ok bool, err error) {
	var v sql.NullInt64
	err = r.db.QueryRowContext(ctx, r.rebind(
		`SELECT MIN(last_sync_at) FROM sync_cursors WHERE user_id = ? AND last_seen_at > ?`), userID, seenAfter).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// PurgeTombstones deletes the user's tombstones written before cutoff.
func (r *SyncRepo) PurgeTombstones(ctx context.Context, userID string, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(
		`DELETE FROM sync_items WHERE user_id = ? AND deleted = ? AND synced_at < ?`), userID, true, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func dataText(data []byte) string {
	if len(data) == 0 {
		return "null"
	}
	return string(data)
}

func scanItem(row interface{ Scan(dest ...any) error }) (*models.ItemRecord, error) {
	var it models.ItemRecord
	var data string
	if err := row.Scan(&it.UserID, &it.DataType, &it.ItemID, &data, &it.UpdatedAt, &it.Deleted, &it.SyncedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	it.Data = []byte(data)
	return &it, nil
}
