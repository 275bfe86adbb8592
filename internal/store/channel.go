package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpdateChannelMeta inserts or replaces a channel's sync cursor.
func (db *DB) UpdateChannelMeta(ctx context.Context, meta *ChannelSyncMeta) error {
	if meta.ChannelID == "" {
		return errors.New("channel id is required")
	}
	if meta.LastSyncedAt.IsZero() {
		meta.LastSyncedAt = time.UnixMilli(db.now().UnixMilli())
	}
	conn, err := db.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO channel_sync_meta (channel_id, last_synced_at, has_more, message_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			has_more = excluded.has_more,
			message_count = excluded.message_count`,
		meta.ChannelID, meta.LastSyncedAt.UnixMilli(), meta.HasMore, meta.MessageCount)
	if err != nil {
		return fmt.Errorf("update channel meta %q: %w", meta.ChannelID, err)
	}
	return nil
}

// GetChannelMeta returns a channel's sync cursor, or nil if none was recorded.
func (db *DB) GetChannelMeta(ctx context.Context, channelID string) (*ChannelSyncMeta, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	var (
		m        ChannelSyncMeta
		syncedAt int64
	)
	err = conn.QueryRowContext(ctx, `
		SELECT channel_id, last_synced_at, has_more, message_count
		FROM channel_sync_meta WHERE channel_id = ?`, channelID).
		Scan(&m.ChannelID, &syncedAt, &m.HasMore, &m.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel meta %q: %w", channelID, err)
	}
	m.LastSyncedAt = time.UnixMilli(syncedAt)
	return &m, nil
}

// GetAllChannelMeta enumerates every sync cursor.
func (db *DB) GetAllChannelMeta(ctx context.Context) ([]ChannelSyncMeta, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT channel_id, last_synced_at, has_more, message_count
		FROM channel_sync_meta ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list channel meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metas []ChannelSyncMeta
	for rows.Next() {
		var (
			m        ChannelSyncMeta
			syncedAt int64
		)
		if err := rows.Scan(&m.ChannelID, &syncedAt, &m.HasMore, &m.MessageCount); err != nil {
			return nil, err
		}
		m.LastSyncedAt = time.UnixMilli(syncedAt)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}
