// Package daemon composes the per-profile cache daemon with fx.
package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/backup"
	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/config"
	"github.com/matheus3301/chatvault/internal/ingest"
	"github.com/matheus3301/chatvault/internal/integrity"
	"github.com/matheus3301/chatvault/internal/lock"
	"github.com/matheus3301/chatvault/internal/logging"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/profile"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Version     string // recorded in backup manifests
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIntegrity,
			provideBackupService,
			provideBackupFiles,
			provideIngest,
			provideMetrics,
			provideCacheService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", profile.ConfigPath(), err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("path", profile.ConfigPath()),
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Int("backup_keep", cfg.BackupKeep),
		zap.String("integrity_interval", cfg.IntegrityInterval),
		zap.String("log_level", cfg.LogLevel))
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon on the same profile.
func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := profile.CachePath(p.ProfileName)
	db, err := store.Open(dbPath, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIntegrity(db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *integrity.Engine {
	return integrity.NewEngine(db, machine, b, logger)
}

func provideBackupService(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *backup.Service {
	return backup.NewService(db, b, logger, p.Version)
}

func provideBackupFiles(p Params) *backup.Files {
	return backup.NewFiles(profile.BackupDir(p.ProfileName))
}

func provideIngest(db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, logger)
}

// provideMetrics returns nil when metrics_addr is not configured.
func provideMetrics(cfg *config.Config, logger *zap.Logger) *metrics.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	return metrics.NewServer(cfg.MetricsAddr, logger.Named("metrics"))
}

func provideCacheService(
	p Params,
	cfg *config.Config,
	db *store.DB,
	engine *integrity.Engine,
	backups *backup.Service,
	files *backup.Files,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *api.CacheService {
	opts := api.Options{
		Profile:       p.ProfileName,
		RetentionDays: cfg.RetentionDays,
		BackupKeep:    cfg.BackupKeep,
	}
	return api.NewCacheService(opts, db, engine, backups, files, machine, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	engine *integrity.Engine,
	ingester *ingest.Engine,
	metricsSrv *metrics.Server,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			res := engine.RunStartupCheck(ctx)
			if res.Repair != nil {
				logger.Info("startup repair finished",
					zap.Bool("success", res.Repair.Success),
					zap.Strings("actions", res.Repair.Actions))
			}

			pruned, err := db.PruneOldMessages(ctx, cfg.RetentionDays)
			if err != nil {
				logger.Warn("startup prune failed", zap.Error(err))
			} else if pruned > 0 {
				logger.Info("pruned old messages", zap.Int64("deleted", pruned), zap.Int("keep_days", cfg.RetentionDays))
			}

			// Validated in provideConfig.
			interval, _ := cfg.Interval()
			engine.Start(context.Background(), interval)
			ingester.Start(context.Background())
			if metricsSrv != nil {
				metricsSrv.Start()
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the bus ends watch streams so the graceful stop can finish.
			b.Close()
			srv.Stop(ctx)
			ingester.Stop()
			engine.Stop()
			if metricsSrv != nil {
				if err := metricsSrv.Stop(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
