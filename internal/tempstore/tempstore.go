// Package tempstore stages opaque blobs on disk under generated keys. It
// backs block staging during transfers and spilled index batches.
package tempstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/google/uuid"
)

const (
	dirPerm  = fs.FileMode(0o700)
	filePerm = fs.FileMode(0o600)
	blobExt  = ".blob"
)

// Store is a directory of blobs. It is safe for concurrent use.
type Store struct {
	dir string

	mu   sync.Mutex
	keys map[string]struct{}
}

// New creates the directory if needed and removes blobs left over from a
// previous run.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+blobExt))
	if err != nil {
		return nil, fmt.Errorf("listing temp dir: %w", err)
	}

	for _, p := range leftovers {
		_ = os.Remove(p)
	}

	return &Store{dir: dir, keys: make(map[string]struct{})}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+blobExt)
}

// Push stores data and returns its key.
func (s *Store) Push(data []byte) (string, error) {
	key := uuid.NewString()

	if err := os.WriteFile(s.path(key), data, filePerm); err != nil {
		return "", fmt.Errorf("writing temp blob: %w", err)
	}

	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	return key, nil
}

// Read returns the blob without removing it.
func (s *Store) Read(key string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.keys[key]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("temp blob %s: %w", key, errors.ErrNotFound)
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading temp blob: %w", err)
	}

	return data, nil
}

// Pop returns the blob and removes it. A key can be popped once.
func (s *Store) Pop(key string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("temp blob %s: %w", key, errors.ErrNotFound)
	}

	data, err := os.ReadFile(s.path(key))
	_ = os.Remove(s.path(key))

	if err != nil {
		return nil, fmt.Errorf("reading temp blob: %w", err)
	}

	return data, nil
}

// Delete removes blobs. Unknown keys are ignored.
func (s *Store) Delete(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		_ = os.Remove(s.path(k))
	}
}

// DeleteAll removes every blob.
func (s *Store) DeleteAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	s.Delete(keys...)
}

// Count returns the number of live blobs.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.keys)
}
