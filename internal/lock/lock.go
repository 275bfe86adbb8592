// Package lock guards a profile directory so only one daemon owns its cache.
//
// The lock is an flock on <profile>/LOCK. The file also records who holds
// it, which is what chatvaultctl reports when the daemon socket is
// unreachable.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the profile directory.
const FileName = "LOCK"

// Owner is what the lock file records about its holder.
type Owner struct {
	PID     int
	Started time.Time
}

// LockHeldError is returned when another process holds the profile lock.
type LockHeldError struct {
	Owner Owner
	Path  string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.Owner.PID, e.Path)
}

// Lock is an acquired profile lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on profileDir, creating the directory if
// needed. It fails with *LockHeldError without blocking when another
// process, or another Lock in this process, holds it.
func Acquire(profileDir string) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(profileDir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := Holder(profileDir)
		return nil, &LockHeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(formatOwner(o)), 0)
	return err
}

// Holder returns what the lock file records, or a zero Owner if there is no
// lock file. It does not check whether the lock is actually held; see Running.
func Holder(profileDir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(profileDir, FileName))
	if os.IsNotExist(err) {
		return Owner{}, nil
	}
	if err != nil {
		return Owner{}, err
	}
	return parseOwner(string(data)), nil
}

// Running reports whether some process currently holds the lock on
// profileDir, and who.
func Running(profileDir string) (Owner, bool) {
	f, err := os.Open(filepath.Join(profileDir, FileName))
	if err != nil {
		return Owner{}, false
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		// Nobody holds it: the file is left over from a crashed daemon.
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false
	}
	owner, _ := Holder(profileDir)
	return owner, true
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Safe to call on a nil
// receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Removed while still locked so no other process can lock the old inode.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func formatOwner(o Owner) string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", o.PID, o.Started.Format(time.RFC3339))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}
