// Package artifact provides the shared file-backed store through which
// agents exchange state. All inter-agent communication flows through
// artifacts: session context logs, plan documents, and review reports.
// The package offers two storage primitives: a key-value Store for
// whole-artifact reads and writes, and an append-only Log with optimistic
// concurrency for ordered entry streams.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

// -----------------------------------------------------------------------------
// Store - Key-Value Artifact Storage
// -----------------------------------------------------------------------------

// Store is the key-value interface for whole artifacts. Writes are atomic
// at artifact granularity: readers observe either the previous content or
// the new content, never a partial write.
type Store interface {
	// Put creates or overwrites the artifact at key.
	Put(ctx context.Context, key string, content []byte) error

	// Get retrieves the artifact at key. Returns an error matching
	// errors.ErrNotFound if no artifact exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the artifact at key. Returns an error matching
	// errors.ErrNotFound if no artifact exists.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in lexical order.
	// An empty prefix lists every key.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an artifact exists without loading it.
	Exists(ctx context.Context, key string) (bool, error)
}

// FileStore provides a file-based implementation of the Store interface.
// Each key maps to a file within a base directory, with keys using "/" as
// path separators.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new FileStore rooted at the given directory.
// The directory will be created if it doesn't exist.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put creates or overwrites the artifact at key using an atomic write.
func (fs *FileStore) Put(ctx context.Context, key string, content []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.keyToPath(key)

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return atomicWriteFile(path, content, 0644)
}

// Get retrieves the artifact at key.
func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("artifact", key)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Delete removes the artifact at key.
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.keyToPath(key)); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("artifact", key)
		}
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// List returns all keys matching the given prefix.
func (fs *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	searchDir := fs.baseDir
	if prefix != "" {
		searchDir = filepath.Join(fs.baseDir, filepath.FromSlash(prefix))
	}

	var keys []string
	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // No artifacts under this prefix
			}
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(fs.baseDir, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if prefix == "" || strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return keys, nil
}

// Exists checks if an artifact exists without loading its content.
func (fs *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	_, err := os.Stat(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check artifact existence: %w", err)
	}
	return true, nil
}

// BaseDir returns the root directory of this store.
func (fs *FileStore) BaseDir() string {
	return fs.baseDir
}

// keyToPath converts a key to a filesystem path.
func (fs *FileStore) keyToPath(key string) string {
	return filepath.Join(fs.baseDir, filepath.FromSlash(key))
}

// validateKey rejects keys that are empty or would escape the store root.
func validateKey(key string) error {
	if key == "" {
		return errors.NewValidationError("artifact key cannot be empty").WithField("key")
	}
	if strings.HasPrefix(key, "/") {
		return errors.NewValidationError("artifact key cannot be absolute").WithField("key").WithValue(key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return errors.NewValidationError("artifact key cannot contain '..'").WithField("key").WithValue(key)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file first, then renaming. This ensures the target file is never in a
// partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Create temp file in same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to disk before rename so the rename never exposes unsynced data
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
