// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// lockName is the advisory lock file inside a FileStore directory.
const lockName = ".lock"

// FileConfig configures a FileStore.
type FileConfig struct {
	// Directory holds the records. Created if missing.
	Directory string

	// Codec frames records. Nil frames without compression or
	// encryption.
	Codec *Codec

	Logger *zap.Logger
}

// FileStore keeps one file per record.
type FileStore struct {
	directory string
	codec     *Codec
	logger    *zap.Logger
	notify    notifier

	// mu serializes writers in this process; lockFile serializes them
	// across processes.
	mu       sync.Mutex
	lockFile *os.File
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a record directory.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("queuestore: Directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("queuestore: creating %s: %w", cfg.Directory, err)
	}
	lockFile, err := os.OpenFile(filepath.Join(cfg.Directory, lockName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("queuestore: opening lock file: %w", err)
	}

	codec := cfg.Codec
	if codec == nil {
		codec = NewCodec(CodecOptions{})
	}
	return &FileStore{
		directory: cfg.Directory,
		codec:     codec,
		logger:    logger.Named("queuestore").With(zap.String("directory", cfg.Directory)),
		notify:    newNotifier(),
		lockFile:  lockFile,
	}, nil
}

// Write implements Store. A legacy-named copy of the record is removed
// once the new file is in place.
func (s *FileStore) Write(ctx context.Context, key Key, data []byte) error {
	frame, err := s.codec.Seal(data)
	if err != nil {
		return err
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.writeFile(key.String(), frame); err != nil {
		return err
	}
	s.removeFile(key.legacyName())
	s.notify.signal()
	return nil
}

// Insert implements Store.
func (s *FileStore) Insert(ctx context.Context, prefix Prefix, id int64, data []byte) (Key, error) {
	frame, err := s.codec.Seal(data)
	if err != nil {
		return Key{}, err
	}

	unlock, err := s.lock()
	if err != nil {
		return Key{}, err
	}
	defer unlock()

	key := Key{Prefix: prefix, ID: id}
	for s.exists(key.String()) || s.exists(key.legacyName()) {
		key.ID++
	}
	if err := s.writeFile(key.String(), frame); err != nil {
		return Key{}, err
	}
	s.notify.signal()
	return key, nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, key Key) ([]byte, error) {
	for _, name := range []string{key.String(), key.legacyName()} {
		frame, err := os.ReadFile(filepath.Join(s.directory, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queuestore: reading %s: %w", name, err)
		}
		data, err := s.codec.Open(frame)
		if err != nil {
			return nil, fmt.Errorf("queuestore: opening %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, key Key) ([]byte, bool) {
	data, err := s.Load(ctx, key)
	return readLogged(s.logger, key, data, err)
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, key Key) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for _, name := range []string{key.String(), key.legacyName()} {
		if err := os.Remove(filepath.Join(s.directory, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("queuestore: removing %s: %w", name, err)
		}
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, prefix Prefix, limit int) ([]int64, error) {
	keys, err := s.scan(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	return selectIDs(ids, limit), nil
}

// Purge implements Store.
func (s *FileStore) Purge(ctx context.Context, prefix Prefix) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	keys, err := s.scan(prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, names := range keys {
		for _, name := range names {
			if err := os.Remove(filepath.Join(s.directory, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("queuestore: purging %s: %w", prefix, errors.Join(errs...))
	}
	return nil
}

// Notify implements Store.
func (s *FileStore) Notify() <-chan struct{} {
	return s.notify
}

// Close releases the lock file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// scan maps each id under prefix to the file names holding it.
func (s *FileStore) scan(prefix Prefix) (map[int64][]string, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("queuestore: listing %s: %w", s.directory, err)
	}
	keys := make(map[int64][]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, _, ok := ParseName(name)
		if !ok || key.Prefix != prefix {
			continue
		}
		keys[key.ID] = append(keys[key.ID], name)
	}
	return keys, nil
}

func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	if s.lockFile == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("queuestore: store is closed")
	}
	if err := lockFile(s.lockFile); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("queuestore: locking %s: %w", s.directory, err)
	}
	return func() {
		if err := unlockFile(s.lockFile); err != nil {
			s.logger.Warn("releasing store lock failed", zap.Error(err))
		}
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) exists(name string) bool {
	_, err := os.Lstat(filepath.Join(s.directory, name))
	return err == nil
}

func (s *FileStore) removeFile(name string) {
	if err := os.Remove(filepath.Join(s.directory, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("removing superseded record failed", zap.String("record", name), zap.Error(err))
	}
}

// writeFile writes data to name atomically: temporary file, fsync,
// rename into place, fsync the directory. Readers never see a partial
// record.
func (s *FileStore) writeFile(name string, data []byte) error {
	temporary, err := os.CreateTemp(s.directory, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("queuestore: creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("queuestore: writing %s: %w", name, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("queuestore: syncing %s: %w", name, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("queuestore: closing %s: %w", name, err)
	}
	if err := os.Rename(temporaryPath, filepath.Join(s.directory, name)); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("queuestore: renaming %s into place: %w", name, err)
	}

	if directory, err := os.Open(s.directory); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}
