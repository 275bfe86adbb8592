package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatvault/internal/backup"
	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/integrity"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Options carries the per-profile settings the service applies.
type Options struct {
	Profile       string
	RetentionDays int
	BackupKeep    int
}

// CacheService implements the CacheService gRPC service.
type CacheService struct {
	opts      Options
	startedAt time.Time
	db        *store.DB
	integrity *integrity.Engine
	backups   *backup.Service
	files     *backup.Files
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewCacheService creates the service. logger may be nil.
func NewCacheService(
	opts Options,
	db *store.DB,
	engine *integrity.Engine,
	backups *backup.Service,
	files *backup.Files,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{
		opts:      opts,
		startedAt: time.Now(),
		db:        db,
		integrity: engine,
		backups:   backups,
		files:     files,
		machine:   machine,
		bus:       b,
		logger:    logger.Named("api"),
	}
}

func (s *CacheService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.machine.Snapshot()
	return respond(map[string]any{
		"profile":       s.opts.Profile,
		"state":         string(snap.State),
		"serving":       snap.State.Serving(),
		"since":         millis(snap.Since),
		"transitions":   snap.Transitions,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// serving rejects store operations while the database is being replaced or
// after a recovery failed.
func (s *CacheService) serving(op string) error {
	if st := s.machine.Current(); !st.Serving() {
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: store is %s", op, st)
	}
	return nil
}

func (s *CacheService) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("stats"); err != nil {
		return nil, err
	}
	st, err := s.db.GetStats(ctx)
	if err != nil {
		return nil, toStatus("stats", err)
	}
	return respond(map[string]any{
		"messageCount":      st.MessageCount,
		"deletedCount":      st.DeletedCount,
		"channelCount":      st.ChannelCount,
		"indexRowCount":     st.IndexRowCount,
		"schemaVersion":     st.SchemaVersion,
		"databaseSizeBytes": st.DatabaseSizeByte,
	})
}

func (s *CacheService) Check(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(reportFields(s.integrity.CheckIntegrity(ctx)))
}

func (s *CacheService) Repair(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(repairFields(s.integrity.AttemptRepair(ctx)))
}

// Recover runs an emergency recovery. The caller must pass confirm=true since
// the database file is discarded.
func (s *CacheService) Recover(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if !flag(req, "confirm") {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "emergency recovery recreates the database; pass confirm=true")
	}
	r := s.integrity.EmergencyRecovery(ctx)
	return respond(map[string]any{
		"success":           r.Success,
		"messagesRecovered": r.MessagesRecovered,
		"channelsRecovered": r.ChannelsRecovered,
		"messagesSkipped":   r.MessagesSkipped,
		"channelsSkipped":   r.ChannelsSkipped,
		"error":             r.Error,
		"recoveredAt":       millis(r.RecoveredAt),
	})
}

func (s *CacheService) GetMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("get message"); err != nil {
		return nil, err
	}
	id := str(req, "id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	m, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, toStatus("get message", err)
	}
	if m == nil {
		return respond(map[string]any{"found": false})
	}
	return respond(map[string]any{"found": true, "message": messageFields(m)})
}

func (s *CacheService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("list messages"); err != nil {
		return nil, err
	}
	channelID := str(req, "channelId")
	if channelID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "channelId is required")
	}
	limit := num(req, "limit")
	if limit <= 0 {
		limit = 50
	}
	var before *time.Time
	if has(req, "before") {
		t := time.UnixMilli(int64(num(req, "before")))
		before = &t
	}

	msgs, err := s.db.GetMessagesForChannel(ctx, channelID, limit, before)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	out := make([]any, len(msgs))
	for i := range msgs {
		out[i] = messageFields(&msgs[i])
	}
	return respond(map[string]any{
		"messages": out,
		"hasMore":  len(msgs) == limit,
	})
}

// Search runs a search. mode selects the variant: "" (ranked with substring
// fallback), "prefix", "sender" or "substring".
func (s *CacheService) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("search"); err != nil {
		return nil, err
	}
	query := str(req, "query")
	channelID := str(req, "channelId")
	limit := num(req, "limit")

	var (
		results []store.SearchResult
		err     error
	)
	switch mode := str(req, "mode"); mode {
	case "":
		results = s.db.Search(ctx, query, channelID, limit)
	case "prefix":
		results, err = s.db.SearchPrefix(ctx, query, channelID, limit)
	case "sender":
		results, err = s.db.SearchBySender(ctx, query, limit)
	case "substring":
		results, err = s.db.SearchLegacy(ctx, query, channelID, limit)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown search mode %q", mode)
	}
	if err != nil {
		return nil, toStatus("search", err)
	}

	out := make([]any, len(results))
	for i := range results {
		out[i] = map[string]any{
			"message": messageFields(&results[i].Message),
			"snippet": results[i].Snippet,
			"rank":    results[i].Rank,
		}
	}
	return respond(map[string]any{"results": out})
}

func (s *CacheService) Prune(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("prune"); err != nil {
		return nil, err
	}
	keepDays := num(req, "keepDays")
	if keepDays <= 0 {
		keepDays = s.opts.RetentionDays
	}
	n, err := s.db.PruneOldMessages(ctx, keepDays)
	if err != nil {
		return nil, toStatus("prune", err)
	}
	s.logger.Info("pruned old messages", zap.Int64("deleted", n), zap.Int("keep_days", keepDays))
	return respond(map[string]any{"deleted": n, "keepDays": keepDays})
}

func (s *CacheService) Vacuum(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("vacuum"); err != nil {
		return nil, err
	}
	if err := s.db.Vacuum(ctx); err != nil {
		return nil, toStatus("vacuum", err)
	}
	return respond(map[string]any{})
}

// CreateBackup exports the cache into the profile's backups directory and
// prunes old backups beyond the configured count.
func (s *CacheService) CreateBackup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("create backup"); err != nil {
		return nil, err
	}
	b, err := s.backups.CreateBackup(ctx, str(req, "password"), flag(req, "includeDeleted"))
	if err != nil {
		return nil, toStatus("create backup", err)
	}
	fi, err := s.files.Write(b)
	if err != nil {
		return nil, toStatus("write backup", err)
	}
	removed, err := s.files.Prune(s.opts.BackupKeep)
	if err != nil {
		s.logger.Warn("backup retention failed", zap.Error(err))
	}
	return respond(map[string]any{
		"manifest":  manifestFields(&b.Manifest),
		"encrypted": b.Encrypted,
		"file":      fileFields(fi),
		"pruned":    list(removed),
	})
}

// RestoreBackup restores a backup by file name or absolute path, or the
// newest backup when no name is given.
func (s *CacheService) RestoreBackup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.serving("restore backup"); err != nil {
		return nil, err
	}
	data, err := s.readBackup(str(req, "name"))
	if err != nil {
		return nil, toStatus("read backup", err)
	}
	res, err := s.backups.RestoreFromBytes(ctx, data, str(req, "password"), flag(req, "merge"))
	if err != nil {
		return nil, toStatus("restore backup", err)
	}
	return respond(map[string]any{
		"messagesRestored": res.MessagesRestored,
		"channelsRestored": res.ChannelsRestored,
		"messagesSkipped":  res.MessagesSkipped,
		"channelsSkipped":  res.ChannelsSkipped,
		"backupCreatedAt":  millis(res.BackupCreatedAt),
		"manifest":         manifestFields(&res.Manifest),
	})
}

func (s *CacheService) VerifyBackup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := s.readBackup(str(req, "name"))
	if err != nil {
		return nil, toStatus("read backup", err)
	}
	v := s.backups.VerifyBackup(ctx, data, str(req, "password"))
	out := map[string]any{
		"valid":         v.Valid,
		"encrypted":     v.Encrypted,
		"needsPassword": v.NeedsPassword,
	}
	if v.Manifest != nil {
		out["manifest"] = manifestFields(v.Manifest)
	}
	if v.Err != nil {
		out["error"] = backup.UserMessage(v.Err)
	}
	return respond(out)
}

func (s *CacheService) ListBackups(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	files, err := s.files.List()
	if err != nil {
		return nil, toStatus("list backups", err)
	}
	out := make([]any, len(files))
	for i := range files {
		out[i] = fileFields(&files[i])
	}
	return respond(map[string]any{"backups": out, "dir": s.files.Dir()})
}

func (s *CacheService) PruneBackups(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	keep := num(req, "keep")
	if keep <= 0 {
		keep = s.opts.BackupKeep
	}
	removed, err := s.files.Prune(keep)
	if err != nil {
		return nil, toStatus("prune backups", err)
	}
	return respond(map[string]any{"removed": list(removed)})
}

func (s *CacheService) readBackup(name string) ([]byte, error) {
	if name == "" {
		latest, err := s.files.Latest()
		if err != nil {
			return nil, err
		}
		name = latest.Name
	}
	return s.files.Read(name)
}
