// Package integrity checks the local store for corruption and drift between
// messages and the search index, and repairs or rebuilds it.
//
// Remediation escalates through three tiers: CheckIntegrity reports,
// AttemptRepair fixes what it can in place, and EmergencyRecovery salvages
// readable rows into a freshly created database. None of them return errors;
// every failure is captured in the result.
package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultDriftTolerance is the largest message/index count difference
	// still reported as healthy.
	DefaultDriftTolerance = 5
	// DefaultSoftDeleteRetention is how long soft-deleted messages survive a repair.
	DefaultSoftDeleteRetention = 30 * 24 * time.Hour
)

// Report is the outcome of a health check.
type Report struct {
	IsHealthy bool
	Issues    []string
	Warnings  []string
	WAL       *store.WALStatus
	CheckedAt time.Time
}

// RepairResult lists the repair actions taken, in order.
type RepairResult struct {
	Success    bool
	Actions    []string
	RepairedAt time.Time
}

// RecoveryResult describes an emergency recovery.
type RecoveryResult struct {
	Success           bool
	MessagesRecovered int
	ChannelsRecovered int
	MessagesSkipped   int // salvaged rows the fresh database rejected
	ChannelsSkipped   int
	Error             string
	RecoveredAt       time.Time
}

// StartupResult is what RunStartupCheck did.
type StartupResult struct {
	Report *Report
	Repair *RepairResult // nil when the store was healthy
}

// Engine runs checks, repairs and recoveries against a store. Operations are
// serialized with each other.
type Engine struct {
	db      *store.DB
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	DriftTolerance      int64
	SoftDeleteRetention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an integrity engine. machine, b and logger may be nil.
func NewEngine(db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:                  db,
		machine:             machine,
		bus:                 b,
		logger:              logger.Named("integrity"),
		now:                 time.Now,
		DriftTolerance:      DefaultDriftTolerance,
		SoftDeleteRetention: DefaultSoftDeleteRetention,
	}
}

// CheckIntegrity runs the structural, referential, drift and orphan checks.
func (e *Engine) CheckIntegrity(ctx context.Context) *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transition(status.Checking)
	report := e.check(ctx)
	if report.IsHealthy {
		e.transition(status.Healthy)
	} else {
		e.transition(status.Degraded)
	}
	return report
}

func (e *Engine) check(ctx context.Context) (report *Report) {
	report = &Report{CheckedAt: e.now()}
	defer func() {
		if r := recover(); r != nil {
			report.IsHealthy = false
			report.Issues = []string{fmt.Sprint(r)}
			report.Warnings = nil
		}
		metrics.IntegrityChecks.WithLabelValues(healthLabel(report.IsHealthy)).Inc()
		e.bus.Emit(bus.KindIntegrityReport, report)
		if report.IsHealthy {
			e.logger.Debug("integrity check passed", zap.Strings("warnings", report.Warnings))
		} else {
			e.logger.Warn("integrity check failed", zap.Strings("issues", report.Issues))
		}
	}()

	if err := e.runChecks(ctx, report); err != nil {
		report.IsHealthy = false
		report.Issues = []string{err.Error()}
		report.Warnings = nil
		return report
	}
	report.IsHealthy = len(report.Issues) == 0
	return report
}

func (e *Engine) runChecks(ctx context.Context, report *Report) error {
	problems, err := e.db.StructuralCheck(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		report.Issues = append(report.Issues, "structural: "+p)
	}

	violations, err := e.db.ForeignKeyViolations(ctx)
	if err != nil {
		return err
	}
	if violations > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d foreign key violations", violations))
	}

	dangling, err := e.db.DanglingIndexRows(ctx)
	if err != nil {
		return err
	}
	if dangling > e.DriftTolerance {
		report.Issues = append(report.Issues, fmt.Sprintf("%d search index rows reference no live message", dangling))
	}

	active, err := e.db.ActiveMessageCount(ctx)
	if err != nil {
		return err
	}
	indexed, err := e.db.IndexRowCount(ctx)
	if err != nil {
		return err
	}
	drift := active - indexed
	metrics.IndexDrift.Set(float64(drift))
	if drift < 0 {
		drift = -drift
	}
	if drift > e.DriftTolerance {
		report.Issues = append(report.Issues,
			fmt.Sprintf("search index out of sync: %d messages, %d index rows", active, indexed))
	}

	orphans, err := e.db.OrphanedChannelMetaCount(ctx)
	if err != nil {
		return err
	}
	if orphans > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d channel sync records have no messages", orphans))
	}

	wal, err := e.db.Checkpoint(ctx, "PASSIVE")
	if err != nil {
		return err
	}
	report.WAL = wal
	return nil
}

// AttemptRepair rebuilds the search index, drops orphaned sync cursors,
// purges old soft-deleted messages, checkpoints the WAL, reindexes and
// refreshes planner statistics. The first failing step stops the sequence;
// steps already applied are kept.
func (e *Engine) AttemptRepair(ctx context.Context) *RepairResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repair(ctx)
}

func (e *Engine) repair(ctx context.Context) (result *RepairResult) {
	e.transition(status.Repairing)
	result = &RepairResult{}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Actions = append(result.Actions, fmt.Sprintf("repair aborted: %v", r))
		}
		result.RepairedAt = e.now()
		metrics.Repairs.WithLabelValues(metrics.Outcome(result.Success)).Inc()
		e.bus.Emit(bus.KindRepair, result)
		if result.Success {
			e.transition(status.Healthy)
			e.logger.Info("repair completed", zap.Strings("actions", result.Actions))
		} else {
			e.transition(status.Degraded)
			e.logger.Error("repair failed", zap.Strings("actions", result.Actions))
		}
	}()

	steps := []struct {
		name string
		run  func() (string, error)
	}{
		{"rebuild search index", func() (string, error) {
			n, err := e.db.RebuildSearchIndex(ctx)
			return fmt.Sprintf("rebuilt search index (%d rows)", n), err
		}},
		{"remove orphaned channel sync records", func() (string, error) {
			n, err := e.db.DeleteOrphanedChannelMeta(ctx)
			return fmt.Sprintf("removed %d orphaned channel sync records", n), err
		}},
		{"purge soft-deleted messages", func() (string, error) {
			n, err := e.db.PurgeSoftDeleted(ctx, e.SoftDeleteRetention)
			return fmt.Sprintf("purged %d soft-deleted messages older than %d days", n, int(e.SoftDeleteRetention.Hours()/24)), err
		}},
		{"checkpoint write-ahead log", func() (string, error) {
			wal, err := e.db.Checkpoint(ctx, "TRUNCATE")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("checkpointed write-ahead log (%d frames)", wal.CheckpointedFrames), nil
		}},
		{"rebuild storage indexes", func() (string, error) {
			return "rebuilt storage indexes", e.db.Reindex(ctx)
		}},
		{"refresh planner statistics", func() (string, error) {
			return "refreshed query planner statistics", e.db.Analyze(ctx)
		}},
	}

	for _, step := range steps {
		action, err := step.run()
		if err != nil {
			result.Actions = append(result.Actions, fmt.Sprintf("failed to %s: %v", step.name, err))
			return result
		}
		result.Actions = append(result.Actions, action)
	}
	result.Success = true
	return result
}

// EmergencyRecovery reads whatever messages and sync cursors are still
// readable, discards the database file, creates a fresh one and replays the
// salvaged rows into it.
func (e *Engine) EmergencyRecovery(ctx context.Context) (result *RecoveryResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transition(status.Recovering)
	result = &RecoveryResult{}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("recovery aborted: %v", r)
		}
		result.RecoveredAt = e.now()
		metrics.Recoveries.WithLabelValues(metrics.Outcome(result.Success)).Inc()
		e.bus.Emit(bus.KindRecovery, result)
		if result.Success {
			e.transition(status.Healthy)
			e.logger.Warn("emergency recovery completed",
				zap.Int("messages", result.MessagesRecovered),
				zap.Int("channels", result.ChannelsRecovered))
		} else {
			e.transition(status.Failed)
			e.logger.Error("emergency recovery failed", zap.String("error", result.Error))
		}
	}()

	msgs, err := e.db.GetAllMessages(ctx)
	if err != nil {
		e.logger.Warn("could not salvage messages", zap.Error(err))
		msgs = nil
	}
	metas, err := e.db.GetAllChannelMeta(ctx)
	if err != nil {
		e.logger.Warn("could not salvage channel sync records", zap.Error(err))
		metas = nil
	}

	if err := e.db.Reset(ctx); err != nil {
		result.Error = fmt.Sprintf("recreate database: %v", err)
		return result
	}

	result.MessagesRecovered, result.MessagesSkipped = e.replayMessages(ctx, msgs)

	for i := range metas {
		if err := e.db.UpdateChannelMeta(ctx, &metas[i]); err != nil {
			e.logger.Warn("could not replay channel sync record",
				zap.String("channel_id", metas[i].ChannelID), zap.Error(err))
			result.ChannelsSkipped++
			continue
		}
		result.ChannelsRecovered++
	}
	result.Success = true
	return result
}

// replayChunk is how many salvaged messages are written per transaction.
const replayChunk = 500

// replayMessages writes msgs in chunks. A chunk that fails is retried row by
// row so one bad row costs only itself.
func (e *Engine) replayMessages(ctx context.Context, msgs []store.Message) (written, skipped int) {
	for start := 0; start < len(msgs); start += replayChunk {
		chunk := msgs[start:min(start+replayChunk, len(msgs))]
		if err := e.db.BatchUpsertMessages(ctx, chunk); err == nil {
			written += len(chunk)
			continue
		}
		for i := range chunk {
			if err := e.db.UpsertMessage(ctx, &chunk[i]); err != nil {
				e.logger.Warn("could not replay message", zap.String("id", chunk[i].ID), zap.Error(err))
				skipped++
				continue
			}
			written++
		}
	}
	return written, skipped
}

// RunStartupCheck checks the store and repairs it if unhealthy. A failed
// repair is logged and left for the operator: it never escalates to
// EmergencyRecovery on its own.
func (e *Engine) RunStartupCheck(ctx context.Context) *StartupResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkAndRepair(ctx)
}

func (e *Engine) checkAndRepair(ctx context.Context) *StartupResult {
	e.transition(status.Checking)
	res := &StartupResult{Report: e.check(ctx)}
	if res.Report.IsHealthy {
		e.transition(status.Healthy)
		return res
	}

	e.logger.Warn("store unhealthy, attempting repair", zap.Strings("issues", res.Report.Issues))
	res.Repair = e.repair(ctx)
	if !res.Repair.Success {
		e.logger.Error("repair failed; emergency recovery must be requested explicitly",
			zap.Strings("actions", res.Repair.Actions))
	}
	return res
}

// Start runs checkAndRepair every interval until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx, interval)
}

// Stop stops the periodic checker and waits for an in-flight check.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) loop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			e.checkAndRepair(ctx)
			e.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func healthLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
