package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared evidence directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) PutEvidence(_ context.Context, tenant, ref string, data []byte) error {
	key, err := refKey(tenant, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))

	if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // key validated by refKey
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMismatch, ref)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read existing evidence: %w", err)
	}

	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensure evidence subdir: %w", err)
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit evidence: %w", err)
	}
	return nil
}

func (s *FileStore) ReadEvidence(_ context.Context, tenant, ref string) ([]byte, error) {
	key, err := refKey(tenant, ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(key))) //nolint:gosec // key validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, ref)
		}
		return nil, fmt.Errorf("read evidence: %w", err)
	}
	return data, nil
}
