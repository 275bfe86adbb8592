// Package backup exports the message cache to a portable, optionally
// encrypted blob and restores it.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
)

// Source is the slice of the store a backup reads from and restores into.
type Source interface {
	GetAllMessages(ctx context.Context) ([]store.Message, error)
	GetAllChannelMeta(ctx context.Context) ([]store.ChannelSyncMeta, error)
	SchemaVersion(ctx context.Context) (uint, error)
	ClearAll(ctx context.Context) error
	UpsertMessage(ctx context.Context, m *store.Message) error
	UpdateChannelMeta(ctx context.Context, meta *store.ChannelSyncMeta) error
}

// Backup is a serialized export.
type Backup struct {
	Data      []byte
	Manifest  Manifest
	Encrypted bool
}

// RestoreResult reports what a restore wrote. Skipped rows failed
// individually and were left out.
type RestoreResult struct {
	MessagesRestored int
	ChannelsRestored int
	MessagesSkipped  int
	ChannelsSkipped  int
	BackupCreatedAt  time.Time
	Manifest         Manifest
}

// Verification is the outcome of a dry-run open.
type Verification struct {
	Valid         bool
	Encrypted     bool
	NeedsPassword bool
	Manifest      *Manifest
	Err           error
}

// Service creates, restores and verifies backups of a Source.
type Service struct {
	src        Source
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
	appVersion string
}

// NewService creates a backup service. b and logger may be nil.
func NewService(src Source, b *bus.Bus, logger *zap.Logger, appVersion string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		src:        src,
		bus:        b,
		logger:     logger.Named("backup"),
		now:        time.Now,
		appVersion: appVersion,
	}
}

// CreateBackup exports every message and sync cursor. Soft-deleted messages
// are left out unless includeDeleted is set. A non-empty password encrypts
// the result.
func (s *Service) CreateBackup(ctx context.Context, password string, includeDeleted bool) (*Backup, error) {
	msgs, err := s.src.GetAllMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	metas, err := s.src.GetAllChannelMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("read channel sync records: %w", err)
	}
	version, err := s.src.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	env := &Envelope{
		Messages: make([]MessageRecord, 0, len(msgs)),
		SyncMeta: make([]SyncMetaRecord, 0, len(metas)),
	}
	for i := range msgs {
		if msgs[i].IsDeleted && !includeDeleted {
			continue
		}
		env.Messages = append(env.Messages, messageRecord(&msgs[i]))
	}
	for i := range metas {
		env.SyncMeta = append(env.SyncMeta, syncMetaRecord(&metas[i]))
	}
	env.Manifest = Manifest{
		Version:         FormatVersion,
		BackupID:        uuid.NewString(),
		AppVersion:      s.appVersion,
		SchemaVersion:   version,
		CreatedAt:       s.now().UnixMilli(),
		MessageCount:    len(env.Messages),
		ChannelCount:    len(env.SyncMeta),
		IncludesDeleted: includeDeleted,
	}

	data, err := Encode(env)
	if err != nil {
		return nil, err
	}
	b := &Backup{Data: data, Manifest: env.Manifest}
	if password != "" {
		if b.Data, err = Encrypt(ctx, data, password); err != nil {
			return nil, err
		}
		b.Encrypted = true
	}

	kind := "plain"
	if b.Encrypted {
		kind = "encrypted"
	}
	metrics.Backups.WithLabelValues(kind).Inc()
	s.bus.Emit(bus.KindBackupCreated, b.Manifest)
	s.logger.Info("backup created",
		zap.String("backup_id", b.Manifest.BackupID),
		zap.Int("messages", b.Manifest.MessageCount),
		zap.Int("channels", b.Manifest.ChannelCount),
		zap.Bool("encrypted", b.Encrypted))
	return b, nil
}

// RestoreFromBytes validates data and writes its contents into the store.
// Nothing is modified unless the password, checksum and schema version all
// check out. Without merge the store is cleared first. Rows that fail to
// write are logged, counted as skipped and do not abort the restore.
func (s *Service) RestoreFromBytes(ctx context.Context, data []byte, password string, merge bool) (result *RestoreResult, err error) {
	defer func() {
		metrics.Restores.WithLabelValues(metrics.Outcome(err == nil)).Inc()
		if err != nil {
			s.logger.Warn("restore failed", zap.Error(err))
		}
	}()

	env, err := s.open(ctx, data, password)
	if err != nil {
		return nil, err
	}
	local, err := s.src.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if env.Manifest.SchemaVersion > local {
		return nil, fmt.Errorf("%w: backup schema %d, local schema %d",
			ErrIncompatibleVersion, env.Manifest.SchemaVersion, local)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !merge {
		if err := s.src.ClearAll(ctx); err != nil {
			return nil, fmt.Errorf("clear store: %w", err)
		}
	}

	result = &RestoreResult{
		BackupCreatedAt: env.Manifest.Created(),
		Manifest:        env.Manifest,
	}
	for i := range env.Messages {
		if err := s.src.UpsertMessage(ctx, env.Messages[i].message()); err != nil {
			s.logger.Warn("skipping message", zap.String("id", env.Messages[i].ID), zap.Error(err))
			result.MessagesSkipped++
			continue
		}
		result.MessagesRestored++
	}
	for i := range env.SyncMeta {
		if err := s.src.UpdateChannelMeta(ctx, env.SyncMeta[i].meta()); err != nil {
			s.logger.Warn("skipping channel sync record", zap.String("channel_id", env.SyncMeta[i].ChannelID), zap.Error(err))
			result.ChannelsSkipped++
			continue
		}
		result.ChannelsRestored++
	}

	s.bus.Emit(bus.KindBackupRestored, result)
	s.logger.Info("backup restored",
		zap.String("backup_id", env.Manifest.BackupID),
		zap.Bool("merge", merge),
		zap.Int("messages", result.MessagesRestored),
		zap.Int("channels", result.ChannelsRestored),
		zap.Int("skipped", result.MessagesSkipped+result.ChannelsSkipped))
	return result, nil
}

// VerifyBackup opens data without touching the store. An encrypted backup
// verified without a password reports NeedsPassword and is not decrypted.
func (s *Service) VerifyBackup(ctx context.Context, data []byte, password string) *Verification {
	v := &Verification{Encrypted: IsEncrypted(data)}
	env, err := s.open(ctx, data, password)
	if err != nil {
		v.NeedsPassword = errors.Is(err, ErrPasswordRequired)
		v.Err = err
		return v
	}
	v.Valid = true
	v.Manifest = &env.Manifest
	return v
}

func (s *Service) open(ctx context.Context, data []byte, password string) (*Envelope, error) {
	if IsEncrypted(data) {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		plain, err := Decrypt(ctx, data, password)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	return Decode(data)
}
