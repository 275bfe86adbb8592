package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// PruneOldMessages hard-deletes messages sent strictly before now - keepDays
// and returns the number removed.
func (db *DB) PruneOldMessages(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		keepDays = 90
	}
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	cutoff := db.now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	res, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE sent_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum rebuilds the database file to reclaim free pages. It can take a
// while on large caches and blocks writers meanwhile.
func (db *DB) Vacuum(ctx context.Context) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// ClearAll removes every message and sync cursor.
func (db *DB) ClearAll(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_sync_meta`); err != nil {
			return fmt.Errorf("clear channel meta: %w", err)
		}
		return nil
	})
}

// GetStats returns row counts, the schema version and the on-disk size.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	var s Stats
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_deleted), 0),
		       COUNT(DISTINCT channel_id)
		FROM messages`).Scan(&s.MessageCount, &s.DeletedCount, &s.ChannelCount)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	if s.IndexRowCount, err = db.IndexRowCount(ctx); err != nil {
		return nil, err
	}
	if s.SchemaVersion, err = db.SchemaVersion(ctx); err != nil {
		return nil, err
	}
	if info, err := os.Stat(db.path); err == nil {
		s.DatabaseSizeByte = info.Size()
	}
	return &s, nil
}
