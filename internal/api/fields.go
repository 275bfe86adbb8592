package api

import (
	"errors"
	"time"

	"github.com/matheus3301/chatvault/internal/backup"
	"github.com/matheus3301/chatvault/internal/integrity"
	"github.com/matheus3301/chatvault/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func num(req *structpb.Struct, key string) int {
	return int(req.GetFields()[key].GetNumberValue())
}

func flag(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func has(req *structpb.Struct, key string) bool {
	_, ok := req.GetFields()[key]
	return ok
}

func list(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func messageFields(m *store.Message) map[string]any {
	f := map[string]any{
		"id":              m.ID,
		"channelId":       m.ChannelID,
		"senderId":        m.SenderID,
		"senderName":      m.SenderName,
		"content":         m.Content,
		"attachmentsJson": m.AttachmentsJSON,
		"sentAt":          m.SentAt.UnixMilli(),
		"isDeleted":       m.IsDeleted,
		"cachedAt":        m.CachedAt.UnixMilli(),
	}
	if m.SenderAvatar != nil {
		f["senderAvatar"] = *m.SenderAvatar
	}
	if m.EditedAt != nil {
		f["editedAt"] = m.EditedAt.UnixMilli()
	}
	if m.DeletedAt != nil {
		f["deletedAt"] = m.DeletedAt.UnixMilli()
	}
	if m.IsEncrypted != nil {
		f["isEncrypted"] = *m.IsEncrypted
	}
	if m.EncryptionVersion != nil {
		f["encryptionVersion"] = *m.EncryptionVersion
	}
	if m.SenderPublicKey != nil {
		f["senderPublicKey"] = *m.SenderPublicKey
	}
	if m.Nonce != nil {
		f["nonce"] = *m.Nonce
	}
	return f
}

func reportFields(r *integrity.Report) map[string]any {
	f := map[string]any{
		"healthy":   r.IsHealthy,
		"issues":    list(r.Issues),
		"warnings":  list(r.Warnings),
		"checkedAt": millis(r.CheckedAt),
	}
	if r.WAL != nil {
		f["wal"] = map[string]any{
			"journalMode":        r.WAL.JournalMode,
			"busy":               r.WAL.Busy,
			"logFrames":          r.WAL.LogFrames,
			"checkpointedFrames": r.WAL.CheckpointedFrames,
		}
	}
	return f
}

func repairFields(r *integrity.RepairResult) map[string]any {
	return map[string]any{
		"success":    r.Success,
		"actions":    list(r.Actions),
		"repairedAt": millis(r.RepairedAt),
	}
}

func manifestFields(m *backup.Manifest) map[string]any {
	return map[string]any{
		"version":         m.Version,
		"backupId":        m.BackupID,
		"appVersion":      m.AppVersion,
		"schemaVersion":   m.SchemaVersion,
		"createdAt":       m.CreatedAt,
		"messageCount":    m.MessageCount,
		"channelCount":    m.ChannelCount,
		"includesDeleted": m.IncludesDeleted,
		"checksum":        m.Checksum,
	}
}

func fileFields(fi *backup.FileInfo) map[string]any {
	return map[string]any{
		"name":      fi.Name,
		"path":      fi.Path,
		"size":      fi.Size,
		"createdAt": millis(fi.CreatedAt),
		"encrypted": fi.Encrypted,
	}
}

// toStatus maps domain errors to gRPC codes. Backup errors carry the
// user-facing message.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, backup.ErrPasswordRequired), errors.Is(err, backup.ErrDecryptionFailed):
		return grpcstatus.Error(codes.PermissionDenied, backup.UserMessage(err))
	case errors.Is(err, backup.ErrChecksumMismatch):
		return grpcstatus.Error(codes.DataLoss, backup.UserMessage(err))
	case errors.Is(err, backup.ErrIncompatibleVersion):
		return grpcstatus.Error(codes.FailedPrecondition, backup.UserMessage(err))
	case errors.Is(err, backup.ErrInvalidBackup):
		return grpcstatus.Error(codes.InvalidArgument, backup.UserMessage(err))
	case errors.Is(err, backup.ErrBackupNotFound):
		return grpcstatus.Error(codes.NotFound, backup.UserMessage(err))
	case errors.Is(err, store.ErrClosed):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
