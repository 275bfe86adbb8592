package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix
// ("store.", "integrity.", "remote.", ...).
const (
	// KindStatusChanged carries a status.Change.
	KindStatusChanged = "store.status_changed"
	// KindMessagesUpserted carries a MessagesUpserted.
	KindMessagesUpserted = "store.messages_upserted"

	// KindIntegrityReport carries an *integrity.Report.
	KindIntegrityReport = "integrity.report"
	// KindRepair carries an *integrity.RepairResult.
	KindRepair = "integrity.repair"
	// KindRecovery carries an *integrity.RecoveryResult.
	KindRecovery = "integrity.recovery"

	// KindBackupCreated carries the backup manifest.
	KindBackupCreated = "backup.created"
	// KindBackupRestored carries the restore result.
	KindBackupRestored = "backup.restored"

	// KindRemoteMessages carries a []store.Message batch from the sync transport.
	KindRemoteMessages = "remote.messages"
	// KindRemoteMessageDeleted carries the id (string) of a message deleted remotely.
	KindRemoteMessageDeleted = "remote.message_deleted"
	// KindRemoteChannelCleared carries the id (string) of a channel whose
	// history was cleared on the remote.
	KindRemoteChannelCleared = "remote.channel_cleared"
	// KindRemoteCursor carries a RemoteCursor.
	KindRemoteCursor = "remote.cursor"
)

// Event represents a domain event published on the bus. Seq is assigned by
// Publish and increases by one per published event.
type Event struct {
	Seq       uint64
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagesUpserted summarizes a write from the ingestion engine.
type MessagesUpserted struct {
	ChannelIDs []string
	Count      int
}

// RemoteCursor reports a page of channel history fetched from the remote.
type RemoteCursor struct {
	ChannelID string
	Fetched   int
	HasMore   bool
}
