package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"verse-sync/internal/merge"
	"verse-sync/internal/models"
	"verse-sync/internal/protocol"
	"verse-sync/internal/repos"
)

type SyncService struct {
	repo       *repos.SyncRepo
	strategies *merge.Registry
	now        func() time.Time
}

func NewSyncService(repo *repos.SyncRepo, strategies *merge.Registry) *SyncService {
	if strategies == nil {
		strategies = merge.DefaultRegistry()
	}
	return &SyncService{repo: repo, strategies: strategies, now: time.Now}
}

// Sync merges one batch of client changes for userID and returns the items
// the device is missing. The whole batch, including the device cursor, is
// committed in a single transaction or not at all.
func (s *SyncService) Sync(ctx context.Context, userID string, req protocol.SyncRequest) (protocol.SyncResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return protocol.SyncResponse{}, &protocol.ValidationError{Message: "deviceId is required"}
	}
	for _, it := range req.Changes {
		if !protocol.IsKnownType(it.DataType) {
			return protocol.SyncResponse{}, &protocol.ValidationError{Message: "unknown dataType " + it.DataType}
		}
		if it.ItemID == "" {
			return protocol.SyncResponse{}, &protocol.ValidationError{Message: "itemId is required"}
		}
	}
	if err := protocol.CheckUniqueKeys(req.Changes); err != nil {
		return protocol.SyncResponse{}, err
	}

	var resp protocol.SyncResponse
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.LockUserTx(ctx, tx, userID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		last, err := s.repo.LastStampTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		stamp := protocol.NowMillis(s.now())
		if stamp <= last {
			stamp = last + 1
		}

		out := make([]protocol.SyncItem, 0)
		handled := make(map[string]struct{}, len(req.Changes))
		for _, incoming := range req.Changes {
			handled[incoming.Key()] = struct{}{}
			queued, err := s.mergeItemTx(ctx, tx, userID, incoming, stamp)
			if err != nil {
				return fmt.Errorf("merge %s: %w", incoming.Key(), err)
			}
			if queued != nil {
				out = append(out, *queued)
			}
		}

		missed, err := s.repo.ListChangedSinceTx(ctx, tx, userID, req.LastSyncAt)
		if err != nil {
			return err
		}
		for _, rec := range missed {
			if _, ok := handled[protocol.ItemKey(rec.DataType, rec.ItemID)]; ok {
				continue
			}
			out = append(out, toSyncItem(rec))
		}

		if err := s.repo.UpsertCursorTx(ctx, tx, &models.CursorRecord{
			UserID:     userID,
			DeviceID:   deviceID,
			LastSyncAt: stamp,
			LastSeenAt: stamp,
		}); err != nil {
			return err
		}
		resp = protocol.SyncResponse{SyncedAt: stamp, Changes: out}
		return nil
	})
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	return resp, nil
}

func (s *SyncService) mergeItemTx(ctx context.Context, tx *sql.Tx, userID string, incoming protocol.SyncItem, stamp int64) (*protocol.SyncItem, error) {
	existing, err := s.repo.GetItemTx(ctx, tx, userID, incoming.DataType, incoming.ItemID)
	if errors.Is(err, repos.ErrNotFound) {
		return nil, s.repo.UpsertItemTx(ctx, tx, toRecord(userID, incoming, stamp))
	}
	if err != nil {
		return nil, err
	}

	res, err := s.strategies.For(incoming.DataType).Resolve(toSyncItem(*existing), incoming)
	if err != nil {
		return nil, err
	}
	if res.Store {
		if err := s.repo.UpsertItemTx(ctx, tx, toRecord(userID, res.Item, stamp)); err != nil {
			return nil, err
		}
	}
	if res.Return {
		item := res.Item
		return &item, nil
	}
	return nil, nil
}

func (s *SyncService) ListCursors(ctx context.Context, userID string) ([]protocol.DeviceCursor, error) {
	recs, err := s.repo.ListCursors(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.DeviceCursor, 0, len(recs))
	for _, c := range recs {
		out = append(out, protocol.DeviceCursor{DeviceID: c.DeviceID, LastSyncAt: c.LastSyncAt, LastSeenAt: c.LastSeenAt})
	}
	return out, nil
}

func toRecord(userID string, it protocol.SyncItem, stamp int64) *models.ItemRecord {
	data := []byte(it.Data)
	if protocol.IsNull(it.Data) {
		data = []byte("null")
	}
	return &models.ItemRecord{
		UserID:    userID,
		DataType:  it.DataType,
		ItemID:    it.ItemID,
		Data:      data,
		UpdatedAt: it.UpdatedAt,
		Deleted:   it.Deleted,
		SyncedAt:  stamp,
	}
}

func toSyncItem(rec models.ItemRecord) protocol.SyncItem {
	return protocol.SyncItem{
		DataType:  rec.DataType,
		ItemID:    rec.ItemID,
		Data:      json.RawMessage(rec.Data),
		UpdatedAt: rec.UpdatedAt,
		Deleted:   rec.Deleted,
	}
}
