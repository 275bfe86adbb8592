package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/matheus3301/chatvault/internal/store"
)

// FormatVersion is the envelope layout version written by this package.
const FormatVersion = 1

// Manifest describes a backup. Timestamps are unix milliseconds.
type Manifest struct {
	Version         int    `json:"version"`
	BackupID        string `json:"backupId"`
	AppVersion      string `json:"appVersion"`
	SchemaVersion   uint   `json:"schemaVersion"`
	CreatedAt       int64  `json:"createdAt"`
	MessageCount    int    `json:"messageCount"`
	ChannelCount    int    `json:"channelCount"`
	IncludesDeleted bool   `json:"includesDeleted"`
	Checksum        string `json:"checksum"`
}

// Created returns the manifest creation time.
func (m Manifest) Created() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// Envelope is the serialized backup document.
type Envelope struct {
	Manifest Manifest         `json:"manifest"`
	Messages []MessageRecord  `json:"messages"`
	SyncMeta []SyncMetaRecord `json:"syncMeta"`
}

// MessageRecord is the backup form of a store.Message.
type MessageRecord struct {
	ID                string  `json:"id"`
	ChannelID         string  `json:"channelId"`
	SenderID          string  `json:"senderId"`
	SenderName        string  `json:"senderName"`
	SenderAvatar      *string `json:"senderAvatar"`
	Content           string  `json:"content"`
	AttachmentsJSON   string  `json:"attachmentsJson"`
	SentAt            int64   `json:"sentAt"`
	EditedAt          *int64  `json:"editedAt"`
	DeletedAt         *int64  `json:"deletedAt"`
	IsDeleted         bool    `json:"isDeleted"`
	IsEncrypted       *bool   `json:"isEncrypted"`
	EncryptionVersion *int    `json:"encryptionVersion"`
	SenderPublicKey   *string `json:"senderPublicKey"`
	Nonce             *string `json:"nonce"`
	CachedAt          int64   `json:"cachedAt"`
}

// SyncMetaRecord is the backup form of a store.ChannelSyncMeta.
type SyncMetaRecord struct {
	ChannelID    string `json:"channelId"`
	LastSyncedAt int64  `json:"lastSyncedAt"`
	HasMore      bool   `json:"hasMore"`
	MessageCount int    `json:"messageCount"`
}

func messageRecord(m *store.Message) MessageRecord {
	return MessageRecord{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		SenderID:          m.SenderID,
		SenderName:        m.SenderName,
		SenderAvatar:      m.SenderAvatar,
		Content:           m.Content,
		AttachmentsJSON:   m.AttachmentsJSON,
		SentAt:            m.SentAt.UnixMilli(),
		EditedAt:          unixMilli(m.EditedAt),
		DeletedAt:         unixMilli(m.DeletedAt),
		IsDeleted:         m.IsDeleted,
		IsEncrypted:       m.IsEncrypted,
		EncryptionVersion: m.EncryptionVersion,
		SenderPublicKey:   m.SenderPublicKey,
		Nonce:             m.Nonce,
		CachedAt:          m.CachedAt.UnixMilli(),
	}
}

func (r *MessageRecord) message() *store.Message {
	return &store.Message{
		ID:                r.ID,
		ChannelID:         r.ChannelID,
		SenderID:          r.SenderID,
		SenderName:        r.SenderName,
		SenderAvatar:      r.SenderAvatar,
		Content:           r.Content,
		AttachmentsJSON:   r.AttachmentsJSON,
		SentAt:            time.UnixMilli(r.SentAt),
		EditedAt:          fromMilli(r.EditedAt),
		DeletedAt:         fromMilli(r.DeletedAt),
		IsDeleted:         r.IsDeleted,
		IsEncrypted:       r.IsEncrypted,
		EncryptionVersion: r.EncryptionVersion,
		SenderPublicKey:   r.SenderPublicKey,
		Nonce:             r.Nonce,
		CachedAt:          time.UnixMilli(r.CachedAt),
	}
}

func syncMetaRecord(m *store.ChannelSyncMeta) SyncMetaRecord {
	return SyncMetaRecord{
		ChannelID:    m.ChannelID,
		LastSyncedAt: m.LastSyncedAt.UnixMilli(),
		HasMore:      m.HasMore,
		MessageCount: m.MessageCount,
	}
}

func (r *SyncMetaRecord) meta() *store.ChannelSyncMeta {
	return &store.ChannelSyncMeta{
		ChannelID:    r.ChannelID,
		LastSyncedAt: time.UnixMilli(r.LastSyncedAt),
		HasMore:      r.HasMore,
		MessageCount: r.MessageCount,
	}
}

func unixMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMilli(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

// Encode serializes env and stamps its checksum: the first 16 hex characters
// of the SHA-256 of the document serialized with an empty checksum.
func Encode(env *Envelope) ([]byte, error) {
	env.Manifest.Checksum = ""
	blank, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	env.Manifest.Checksum = checksum(blank)
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// checksumField matches the manifest checksum. JSON string values escape
// their quotes, so message content can never produce a match.
var checksumField = regexp.MustCompile(`"checksum":"([0-9a-f]*)"`)

// Decode verifies the checksum of a plaintext document and parses it. The
// checksum is recomputed over the exact bytes with the field blanked, so any
// modified byte outside the field is detected before parsing.
func Decode(data []byte) (*Envelope, error) {
	loc := checksumField.FindSubmatchIndex(data)
	if loc == nil {
		return nil, fmt.Errorf("%w: manifest checksum missing", ErrInvalidBackup)
	}
	stored := string(data[loc[2]:loc[3]])

	var blank bytes.Buffer
	blank.Grow(len(data))
	blank.Write(data[:loc[2]])
	blank.Write(data[loc[3]:])
	if got := checksum(blank.Bytes()); got != stored {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, stored, got)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if env.Manifest.Version > FormatVersion {
		return nil, fmt.Errorf("%w: format version %d, supported up to %d",
			ErrIncompatibleVersion, env.Manifest.Version, FormatVersion)
	}
	return &env, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
