package store

import (
	"context"
	"fmt"
	"time"
)

// WALStatus is a snapshot of the write-ahead log taken by a checkpoint.
type WALStatus struct {
	JournalMode        string
	Busy               bool
	LogFrames          int64
	CheckpointedFrames int64
}

// StructuralCheck runs PRAGMA integrity_check and returns every problem it
// reports. An empty slice means the b-trees and pages are consistent.
func (db *DB) StructuralCheck(ctx context.Context) ([]string, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return nil, fmt.Errorf("integrity_check: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	return problems, rows.Err()
}

// ForeignKeyViolations counts rows reported by PRAGMA foreign_key_check.
func (db *DB) ForeignKeyViolations(ctx context.Context) (int64, error) {
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	rows, err := conn.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return 0, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

// DanglingIndexRows counts index rows with no live message behind them.
func (db *DB) DanglingIndexRows(ctx context.Context) (int64, error) {
	return db.count(ctx, "dangling index rows", `
		SELECT COUNT(*) FROM messages_fts
		WHERE rowid NOT IN (SELECT seq FROM messages WHERE is_deleted = 0)`)
}

// ActiveMessageCount counts messages that are not soft-deleted, i.e. the rows
// the search index is expected to hold.
func (db *DB) ActiveMessageCount(ctx context.Context) (int64, error) {
	return db.count(ctx, "active messages", `SELECT COUNT(*) FROM messages WHERE is_deleted = 0`)
}

// IndexRowCount counts rows in the search index.
func (db *DB) IndexRowCount(ctx context.Context) (int64, error) {
	return db.count(ctx, "index rows", `SELECT COUNT(*) FROM messages_fts`)
}

// OrphanedChannelMetaCount counts sync cursors whose channel has no messages.
func (db *DB) OrphanedChannelMetaCount(ctx context.Context) (int64, error) {
	return db.count(ctx, "orphaned channel meta", `
		SELECT COUNT(*) FROM channel_sync_meta
		WHERE channel_id NOT IN (SELECT DISTINCT channel_id FROM messages)`)
}

// DeleteOrphanedChannelMeta removes sync cursors whose channel has no messages.
func (db *DB) DeleteOrphanedChannelMeta(ctx context.Context) (int64, error) {
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `
		DELETE FROM channel_sync_meta
		WHERE channel_id NOT IN (SELECT DISTINCT channel_id FROM messages)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned channel meta: %w", err)
	}
	return res.RowsAffected()
}

// PurgeSoftDeleted hard-deletes soft-deleted messages whose deletion is older
// than the given age. Rows without a deleted_at fall back to sent_at.
func (db *DB) PurgeSoftDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	cutoff := db.now().Add(-olderThan).UnixMilli()
	res, err := conn.ExecContext(ctx, `
		DELETE FROM messages
		WHERE is_deleted = 1 AND COALESCE(deleted_at, sent_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge soft-deleted: %w", err)
	}
	return res.RowsAffected()
}

// Checkpoint runs PRAGMA wal_checkpoint in the given mode (PASSIVE, FULL,
// RESTART or TRUNCATE) and reports the log state.
func (db *DB) Checkpoint(ctx context.Context, mode string) (*WALStatus, error) {
	switch mode {
	case "PASSIVE", "FULL", "RESTART", "TRUNCATE":
	default:
		return nil, fmt.Errorf("invalid checkpoint mode %q", mode)
	}
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	var st WALStatus
	if err := conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&st.JournalMode); err != nil {
		return nil, fmt.Errorf("journal_mode: %w", err)
	}
	var busy int
	err = conn.QueryRowContext(ctx, `PRAGMA wal_checkpoint(`+mode+`)`).
		Scan(&busy, &st.LogFrames, &st.CheckpointedFrames)
	if err != nil {
		return nil, fmt.Errorf("wal_checkpoint: %w", err)
	}
	st.Busy = busy != 0
	return &st, nil
}

// Reindex rebuilds every storage-level index.
func (db *DB) Reindex(ctx context.Context) error {
	return db.exec(ctx, "reindex", `REINDEX`)
}

// Analyze refreshes query planner statistics.
func (db *DB) Analyze(ctx context.Context) error {
	return db.exec(ctx, "analyze", `ANALYZE`)
}

func (db *DB) exec(ctx context.Context, op, query string) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (db *DB) count(ctx context.Context, what, query string) (int64, error) {
	conn, err := db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}
	return n, nil
}
