package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// EncryptedExt and PlainExt are the backup file extensions.
	EncryptedExt = ".cvbak"
	PlainExt     = ".json"
	// DefaultKeep is how many backups Prune keeps when given zero.
	DefaultKeep = 5

	filePrefix = "chatvault-"
	timeLayout = "20060102-150405"
)

// FileInfo describes a backup file on disk.
type FileInfo struct {
	Name      string
	Path      string
	Size      int64
	CreatedAt time.Time
	Encrypted bool
}

// Files manages the backups directory of a profile.
type Files struct {
	dir string
	now func() time.Time
}

// NewFiles manages backups under dir. The directory is created on first write.
func NewFiles(dir string) *Files {
	return &Files{dir: dir, now: time.Now}
}

// Dir returns the backups directory.
func (f *Files) Dir() string {
	return f.dir
}

// FileName returns the name for a backup created at t, e.g.
// chatvault-20261016-153000.cvbak.
func FileName(t time.Time, encrypted bool) string {
	ext := PlainExt
	if encrypted {
		ext = EncryptedExt
	}
	return filePrefix + t.UTC().Format(timeLayout) + ext
}

// Write stores b under a timestamped name, adding a numeric suffix if a
// backup was already written in the same second.
func (f *Files) Write(b *Backup) (*FileInfo, error) {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, fmt.Errorf("create backups dir: %w", err)
	}
	created := f.now()
	name := FileName(created, b.Encrypted)
	for i := 2; ; i++ {
		path := filepath.Join(f.dir, name)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if errors.Is(err, fs.ErrExist) {
			ext := filepath.Ext(name)
			name = strings.TrimSuffix(FileName(created, b.Encrypted), ext) + "-" + strconv.Itoa(i) + ext
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create backup file: %w", err)
		}
		if _, err := file.Write(b.Data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("write backup file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("close backup file: %w", err)
		}
		return &FileInfo{
			Name:      name,
			Path:      path,
			Size:      int64(len(b.Data)),
			CreatedAt: created.UTC().Truncate(time.Second),
			Encrypted: b.Encrypted,
		}, nil
	}
}

// Read returns the contents of a backup. name is either a file name inside
// the backups directory or an absolute path.
func (f *Files) Read(name string) ([]byte, error) {
	path := name
	if !filepath.IsAbs(name) {
		if filepath.Base(name) != name {
			return nil, fmt.Errorf("%w: %q is not a backup name", ErrInvalidBackup, name)
		}
		path = filepath.Join(f.dir, name)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	return data, nil
}

// List returns the backups in the directory, newest first. A missing
// directory yields no backups.
func (f *Files) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fi.Path = filepath.Join(f.dir, fi.Name)
		fi.Size = info.Size()
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return suffix(out[i].Name) > suffix(out[j].Name)
	})
	return out, nil
}

// Latest returns the newest backup, or ErrBackupNotFound if there is none.
func (f *Files) Latest() (*FileInfo, error) {
	files, err := f.List()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrBackupNotFound
	}
	return &files[0], nil
}

// Prune deletes all but the keep newest backups and returns the removed names.
func (f *Files) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	files, err := f.List()
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}
	var removed []string
	for _, fi := range files[keep:] {
		if err := os.Remove(fi.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", fi.Name, err)
		}
		removed = append(removed, fi.Name)
	}
	return removed, nil
}

// parseName recognizes chatvault-YYYYMMDD-HHMMSS[-N].{cvbak,json}.
func parseName(name string) (FileInfo, bool) {
	fi := FileInfo{Name: name}
	var base string
	switch {
	case strings.HasSuffix(name, EncryptedExt):
		fi.Encrypted = true
		base = strings.TrimSuffix(name, EncryptedExt)
	case strings.HasSuffix(name, PlainExt):
		base = strings.TrimSuffix(name, PlainExt)
	default:
		return fi, false
	}
	if !strings.HasPrefix(base, filePrefix) {
		return fi, false
	}
	stamp := strings.TrimPrefix(base, filePrefix)
	if len(stamp) < len(timeLayout) {
		return fi, false
	}
	t, err := time.ParseInLocation(timeLayout, stamp[:len(timeLayout)], time.UTC)
	if err != nil {
		return fi, false
	}
	fi.CreatedAt = t
	return fi, true
}

// suffix returns the collision counter of a backup name, 1 when absent.
func suffix(name string) int {
	base := strings.TrimSuffix(strings.TrimSuffix(name, EncryptedExt), PlainExt)
	stamp := strings.TrimPrefix(base, filePrefix)
	if len(stamp) <= len(timeLayout)+1 {
		return 1
	}
	n, err := strconv.Atoi(stamp[len(timeLayout)+1:])
	if err != nil {
		return 1
	}
	return n
}
