package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/deal-signal-lab/internal/logging"
)

// FileBackend stores each document as <Dir>/<Prefix><key>.json.
type FileBackend struct {
	Dir    string
	Prefix string
	// Locking takes an advisory flock on <file>.lock around reads and
	// writes so several processes can share one directory.
	Locking bool
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir, prefix string, locking bool) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileBackend{Dir: dir, Prefix: prefix, Locking: locking}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.Dir, f.Prefix+SafeKey(key)+".json")
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	path := f.path(key)
	unlock, err := f.lock(path, syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func (f *FileBackend) Put(_ context.Context, key string, data []byte) error {
	path := f.path(key)
	unlock, err := f.lock(path, syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	return SaveFileAtomic(path, data, 0o644)
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) lock(path string, how int) (func(), error) {
	if !f.Locking {
		return func() {}, nil
	}
	lf := path + ".lock"
	fh, err := os.OpenFile(lf, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		logging.Warnw("docstore: failed to open lock file", "lock", lf, "err", err)
		return nil, fmt.Errorf("open lock file %s: %w", lf, err)
	}
	if err := syscall.Flock(int(fh.Fd()), how); err != nil {
		_ = fh.Close()
		logging.Warnw("docstore: failed to flock", "lock", lf, "err", err)
		return nil, fmt.Errorf("lock %s: %w", lf, err)
	}
	return func() {
		_ = syscall.Flock(int(fh.Fd()), syscall.LOCK_UN)
		_ = fh.Close()
	}, nil
}

// SaveFileAtomic writes data next to path, fsyncs it and renames it into
// place so readers never observe a partially written document.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
