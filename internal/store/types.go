package store

import "time"

// Message is a single chat message cached locally. Optional fields are nil
// when absent. Timestamps are kept at millisecond precision; writes truncate
// them.
type Message struct {
	ID                string
	ChannelID         string
	SenderID          string
	SenderName        string
	SenderAvatar      *string
	Content           string
	AttachmentsJSON   string // serialized JSON array, "[]" when empty
	SentAt            time.Time
	EditedAt          *time.Time
	DeletedAt         *time.Time
	IsDeleted         bool
	IsEncrypted       *bool
	EncryptionVersion *int
	SenderPublicKey   *string
	Nonce             *string
	CachedAt          time.Time
}

// ChannelSyncMeta is the per-channel pagination cursor for remote sync.
type ChannelSyncMeta struct {
	ChannelID    string
	LastSyncedAt time.Time
	HasMore      bool // older messages remain on the remote
	MessageCount int
}

// SearchResult holds a matched message with a highlighted snippet.
// Rank is the bm25 score (lower is more relevant) and is zero for
// non-ranked searches.
type SearchResult struct {
	Message Message
	Snippet string
	Rank    float64
}

// Stats summarizes the store contents.
type Stats struct {
	MessageCount     int64
	DeletedCount     int64
	ChannelCount     int64
	IndexRowCount    int64
	SchemaVersion    uint
	DatabaseSizeByte int64
}
