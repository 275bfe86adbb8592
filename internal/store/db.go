package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("store: database closed")

// DB is the process-wide handle to the local message cache (messages,
// channel sync cursors and the full-text index derived from messages).
//
// The underlying *sql.DB can be swapped by Reset during emergency recovery,
// so every operation goes through conn().
type DB struct {
	mu     sync.RWMutex
	sql    *sql.DB
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithClock overrides the time source used for cached_at, deleted_at and
// retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithLogger sets the logger used for search fallbacks and resets.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	db := &DB{
		path:   path,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}
	conn, err := openSQL(path)
	if err != nil {
		return nil, err
	}
	db.sql = conn
	return db, nil
}

func openSQL(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return conn, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) conn() (*sql.DB, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.sql == nil {
		return nil, ErrClosed
	}
	return db.sql, nil
}

// Close checkpoints the write-ahead log and closes the handle. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.sql == nil {
		return nil
	}
	if _, err := db.sql.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		db.logger.Warn("checkpoint before close failed", zap.Error(err))
	}
	err := db.sql.Close()
	db.sql = nil
	return err
}

// Reset discards the current database file (including WAL and shared-memory
// files), opens a fresh one at the same path and applies migrations.
// Operations racing with Reset fail with an error from the closed handle.
func (db *DB) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.sql != nil {
		if err := db.sql.Close(); err != nil {
			db.logger.Warn("close before reset failed", zap.Error(err))
		}
		db.sql = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(db.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", db.path+suffix, err)
		}
	}

	conn, err := openSQL(db.path)
	if err != nil {
		return err
	}
	if _, err := migrateConn(conn); err != nil {
		_ = conn.Close()
		return err
	}
	db.sql = conn
	db.logger.Warn("database reset", zap.String("path", db.path))
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := db.conn()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
