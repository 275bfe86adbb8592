package ingest

import (
	"context"
	"time"

	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
)

// Cursors tracks how far back each channel's history has been fetched.
type Cursors struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCursors creates a cursor tracker.
func NewCursors(db *store.DB, logger *zap.Logger) *Cursors {
	return &Cursors{db: db, logger: logger}
}

// Record adds a fetched page to the channel's cursor.
func (c *Cursors) Record(ctx context.Context, channelID string, fetched int, hasMore bool) error {
	meta, err := c.db.GetChannelMeta(ctx, channelID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &store.ChannelSyncMeta{ChannelID: channelID}
	}
	meta.MessageCount += fetched
	meta.HasMore = hasMore
	meta.LastSyncedAt = time.Time{}
	if err := c.db.UpdateChannelMeta(ctx, meta); err != nil {
		return err
	}
	c.logger.Debug("sync cursor advanced",
		zap.String("channel_id", channelID),
		zap.Int("message_count", meta.MessageCount),
		zap.Bool("has_more", hasMore))
	return nil
}

// NeedsHistory reports whether older messages may remain on the remote.
// Channels never synced need history.
func (c *Cursors) NeedsHistory(ctx context.Context, channelID string) (bool, error) {
	meta, err := c.db.GetChannelMeta(ctx, channelID)
	if err != nil {
		return false, err
	}
	return meta == nil || meta.HasMore, nil
}
