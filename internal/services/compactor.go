package services

import (
	"context"
	"time"

	"verse-sync/internal/logging"
	"verse-sync/internal/protocol"
	"verse-sync/internal/repos"
)

type CompactorConfig struct {
	Retention    time.Duration
	DeviceExpiry time.Duration
	Interval     time.Duration
}

// Compactor removes tombstones that every active device has already pulled.
// A tombstone is kept while it is younger than Retention or newer than the
// lowest cursor of a device seen within DeviceExpiry.
type Compactor struct {
	repo   *repos.SyncRepo
	cfg    CompactorConfig
	logger *logging.Logger
	now    func() time.Time
}

func NewCompactor(repo *repos.SyncRepo, cfg CompactorConfig, logger *logging.Logger) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Compactor{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.CompactOnce(ctx)
			if err != nil {
				c.logger.Warnf("tombstone compaction failed: %v", err)
				continue
			}
			if n > 0 {
				c.logger.Infof("tombstone compaction removed %d rows", n)
			}
		}
	}
}

func (c *Compactor) CompactOnce(ctx context.Context) (int64, error) {
	now := c.now()
	retentionCutoff := protocol.NowMillis(now.Add(-c.cfg.Retention))
	seenAfter := protocol.NowMillis(now.Add(-c.cfg.DeviceExpiry))

	users, err := c.repo.ListTombstoneUsers(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, userID := range users {
		cutoff := retentionCutoff
		minCursor, ok, err := c.repo.MinActiveCursor(ctx, userID, seenAfter)
		if err != nil {
			return total, err
		}
		// synced_at <= cursor means the device has seen the row.
		if ok && minCursor+1 < cutoff {
			cutoff = minCursor + 1
		}
		n, err := c.repo.PurgeTombstones(ctx, userID, cutoff)
		if err != nil {
			return total, err
		}
		if n > 0 {
			c.logger.Debugf("purged %d tombstones for user=%s", n, userID)
		}
		total += n
	}
	return total, nil
}
