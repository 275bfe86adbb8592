package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var messageColumnList = []string{
	"id", "channel_id", "sender_id", "sender_name", "sender_avatar", "content",
	"attachments_json", "sent_at", "edited_at", "deleted_at", "is_deleted", "is_encrypted",
	"encryption_version", "sender_public_key", "nonce", "cached_at",
}

var messageColumns = strings.Join(messageColumnList, ", ")

// qualifiedColumns prefixes every message column with a table alias, for
// queries that join tables sharing column names.
func qualifiedColumns(alias string) string {
	cols := make([]string, len(messageColumnList))
	for i, c := range messageColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

var upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		channel_id = excluded.channel_id,
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		sender_avatar = excluded.sender_avatar,
		content = excluded.content,
		attachments_json = excluded.attachments_json,
		sent_at = excluded.sent_at,
		edited_at = excluded.edited_at,
		deleted_at = excluded.deleted_at,
		is_deleted = excluded.is_deleted,
		is_encrypted = excluded.is_encrypted,
		encryption_version = excluded.encryption_version,
		sender_public_key = excluded.sender_public_key,
		nonce = excluded.nonce,
		cached_at = excluded.cached_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// UpsertMessage inserts or replaces a message keyed by ID. The search index
// is updated by triggers in the same statement. Timestamps of m are truncated
// to milliseconds in place, the precision they are stored at.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	if err := db.upsertMessage(ctx, conn, m); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	return nil
}

// BatchUpsertMessages inserts or replaces multiple messages in a single
// transaction. Like UpsertMessage it normalizes the timestamps of msgs in place.
func (db *DB) BatchUpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range msgs {
			if err := db.upsertMessage(ctx, tx, &msgs[i]); err != nil {
				return fmt.Errorf("upsert message %q: %w", msgs[i].ID, err)
			}
		}
		return nil
	})
}

func (db *DB) upsertMessage(ctx context.Context, ex execer, m *Message) error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.SentAt.IsZero() {
		return errors.New("message sent_at is required")
	}
	if m.AttachmentsJSON == "" {
		m.AttachmentsJSON = "[]"
	}
	if m.CachedAt.IsZero() {
		m.CachedAt = db.now()
	}
	truncateTimes(m)
	_, err := ex.ExecContext(ctx, upsertMessageSQL,
		m.ID, m.ChannelID, m.SenderID, m.SenderName, nullString(m.SenderAvatar),
		m.Content, m.AttachmentsJSON, m.SentAt.UnixMilli(), nullMillis(m.EditedAt),
		nullMillis(m.DeletedAt), m.IsDeleted, nullBool(m.IsEncrypted),
		nullInt(m.EncryptionVersion), nullString(m.SenderPublicKey), nullString(m.Nonce),
		m.CachedAt.UnixMilli())
	return err
}

// GetMessage returns a single message by ID, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	row := conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	return m, nil
}

// GetMessagesForChannel returns messages for a channel ordered by sent_at
// descending, newest insert first among equal timestamps. When before is
// non-nil only messages strictly older than it are returned, which gives
// keyset pagination over a channel's history. Messages sharing the sent_at of
// the last row on a page are not returned by the next page; callers that page
// with before must tolerate that.
func (db *DB) GetMessagesForChannel(ctx context.Context, channelID string, limit int, before *time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if before != nil {
		q += " AND sent_at < ?"
		args = append(args, before.UnixMilli())
	}
	q += " ORDER BY sent_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	return collectMessages(rows)
}

// GetAllMessages enumerates every cached message, soft-deleted ones included.
// Intended for backup and diagnostics only.
func (db *DB) GetAllMessages(ctx context.Context) ([]Message, error) {
	conn, err := db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY channel_id, sent_at`)
	if err != nil {
		return nil, fmt.Errorf("list all messages: %w", err)
	}
	return collectMessages(rows)
}

// DeleteMessageByID hard-deletes a message.
func (db *DB) DeleteMessageByID(ctx context.Context, id string) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	return nil
}

// SoftDeleteMessage marks a message deleted, keeping the row and its content
// until it is pruned. A message that is already soft-deleted keeps its
// original deleted_at.
func (db *DB) SoftDeleteMessage(ctx context.Context, id string) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, deleted_at = ?
		WHERE id = ? AND is_deleted = 0`,
		db.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("soft delete message %q: %w", id, err)
	}
	return nil
}

// DeleteChannelMessages hard-deletes every message in a channel together with
// the channel's sync cursor.
func (db *DB) DeleteChannelMessages(ctx context.Context, channelID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("delete channel messages %q: %w", channelID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_sync_meta WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("delete channel meta %q: %w", channelID, err)
		}
		return nil
	})
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// scanMessage scans the message columns followed by any extra destinations.
func scanMessage(s scanner, extra ...any) (*Message, error) {
	var (
		m                     Message
		avatar, pubKey, nonce sql.NullString
		sentAt, cachedAt      int64
		editedAt, deletedAt   sql.NullInt64
		isEncrypted           sql.NullBool
		encryptionVersion     sql.NullInt64
	)
	dest := []any{
		&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &avatar, &m.Content,
		&m.AttachmentsJSON, &sentAt, &editedAt, &deletedAt, &m.IsDeleted, &isEncrypted,
		&encryptionVersion, &pubKey, &nonce, &cachedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.SentAt = time.UnixMilli(sentAt)
	m.CachedAt = time.UnixMilli(cachedAt)
	m.SenderAvatar = stringPtr(avatar)
	m.SenderPublicKey = stringPtr(pubKey)
	m.Nonce = stringPtr(nonce)
	m.EditedAt = timePtr(editedAt)
	m.DeletedAt = timePtr(deletedAt)
	if isEncrypted.Valid {
		v := isEncrypted.Bool
		m.IsEncrypted = &v
	}
	if encryptionVersion.Valid {
		v := int(encryptionVersion.Int64)
		m.EncryptionVersion = &v
	}
	return &m, nil
}

// truncateTimes drops sub-millisecond precision from every timestamp of m so
// the caller's value matches what a later read returns.
func truncateTimes(m *Message) {
	m.SentAt = toMillis(m.SentAt)
	m.CachedAt = toMillis(m.CachedAt)
	if m.EditedAt != nil {
		t := toMillis(*m.EditedAt)
		m.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := toMillis(*m.DeletedAt)
		m.DeletedAt = &t
	}
}

func toMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64)
	return &t
}
