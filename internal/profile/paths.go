package profile

import (
	"os"
	"path/filepath"

	"github.com/matheus3301/chatvault/internal/config"
)

const (
	// HomeEnv overrides the base directory when set.
	HomeEnv = "CHATVAULT_HOME"
	// ProfileEnv selects the profile when no --profile flag is given.
	ProfileEnv = "CHATVAULT_PROFILE"
	// DefaultName is used when nothing else names a profile.
	DefaultName = "main"
)

// Resolve picks the profile a command acts on: the --profile value, then
// $CHATVAULT_PROFILE, then default_profile from config.toml, then "main".
// An unreadable config file counts as unset; validate the result with
// ValidateName.
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if name := os.Getenv(ProfileEnv); name != "" {
		return name
	}
	if cfg, err := config.LoadOrDefault(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// BaseDir returns $CHATVAULT_HOME, or ~/.chatvault.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatvault")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CachePath returns the message cache database path.
func CachePath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// BackupDir returns the directory holding exported backups.
func BackupDir(name string) string {
	return filepath.Join(Dir(name), "backups")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatvaultd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		BackupDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
