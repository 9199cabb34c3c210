// Package store persists auth entries and groups in a single JSON file.
//
// Every mutation re-reads the file under an exclusive OS lock, applies the
// change, replaces the file atomically and only then swaps the in-memory
// copy. Reads are served from memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidEntry  = errors.New("invalid entry")
)

const lockRetryDelay = 50 * time.Millisecond

// Store is the file-backed entry and group store.
type Store struct {
	path   string
	flock  *flock.Flock
	logger *slog.Logger

	mu      sync.RWMutex
	data    Data
	version fileVersion
}

type fileVersion struct {
	modTime time.Time
	size    int64
}

func (v fileVersion) equal(o fileVersion) bool {
	return v.size == o.size && v.modTime.Equal(o.modTime)
}

// Open loads the data file at path, creating an empty one if it does not exist.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve data path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		path:   abs,
		flock:  flock.New(abs + ".lock"),
		logger: logger,
	}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := s.mutate(ctx, func(*Data) error { return nil }); err != nil {
			return nil, err
		}
		logger.Info("created data file", "path", abs)
		return s, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	logger.Info("loaded data file", "path", abs, "entries", len(s.data.Entries), "groups", len(s.data.Groups))
	return s, nil
}

// Path returns the absolute path of the data file.
func (s *Store) Path() string { return s.path }

// mutate runs fn against the current on-disk document and commits the result.
func (s *Store) mutate(ctx context.Context, fn func(*Data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx, true); err != nil {
		return err
	}
	defer s.release()

	data, _, err := readDataFile(s.path)
	if err != nil {
		return err
	}
	if err := fn(&data); err != nil {
		return err
	}
	data.normalize()
	ver, err := writeDataFile(s.path, data)
	if err != nil {
		return err
	}
	s.data = data
	s.version = ver
	return nil
}

// Reload re-reads the data file if it changed since the last read or write.
func (s *Store) Reload(ctx context.Context) error {
	ver, err := statVersion(s.path)
	if err != nil {
		return err
	}
	s.mu.RLock()
	unchanged := ver.equal(s.version)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("reloaded data file", "path", s.path, "entries", len(s.data.Entries), "groups", len(s.data.Groups))
	return nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	if err := s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.release()

	data, ver, err := readDataFile(s.path)
	if err != nil {
		return err
	}
	s.data = data
	s.version = ver
	return nil
}

func (s *Store) acquire(ctx context.Context, exclusive bool) error {
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = s.flock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = s.flock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock data file: %w", err)
	}
	if !ok {
		return errors.New("lock data file: not acquired")
	}
	return nil
}

func (s *Store) release() {
	if err := s.flock.Unlock(); err != nil {
		s.logger.Warn("unlock data file", "path", s.path, "error", err)
	}
}

func readDataFile(path string) (Data, fileVersion, error) {
	var data Data
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		data.normalize()
		return data, fileVersion{}, nil
	case err != nil:
		return Data{}, fileVersion{}, fmt.Errorf("read data file: %w", err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &data); err != nil {
			return Data{}, fileVersion{}, fmt.Errorf("parse data file: %w", err)
		}
	}
	data.normalize()
	ver, err := statVersion(path)
	if err != nil {
		return Data{}, fileVersion{}, err
	}
	return data, ver, nil
}

func writeDataFile(path string, data Data) (fileVersion, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fileVersion{}, fmt.Errorf("encode data file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fileVersion{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return fileVersion{}, fmt.Errorf("write data file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fileVersion{}, fmt.Errorf("sync data file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fileVersion{}, fmt.Errorf("close data file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fileVersion{}, fmt.Errorf("chmod data file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fileVersion{}, fmt.Errorf("replace data file: %w", err)
	}
	return statVersion(path)
}

func statVersion(path string) (fileVersion, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileVersion{}, nil
	}
	if err != nil {
		return fileVersion{}, fmt.Errorf("stat data file: %w", err)
	}
	return fileVersion{modTime: fi.ModTime(), size: fi.Size()}, nil
}
