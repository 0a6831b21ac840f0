package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

// Log is an append-only entry store with optimistic concurrency control.
// Each log key holds an ordered sequence of entries; entries are never
// modified or removed once written. Appends carry the entry count the
// writer observed, and fail with a conflict when the log has grown since.
//
// Entries are stored one per line, so an entry must not contain a newline.
// Callers that append structured data should JSON-encode it first; the
// encoder escapes newlines.
type Log struct {
	baseDir string
	mu      sync.RWMutex
}

// NewLog creates a new append-only log store rooted at the given directory.
// The directory will be created if it doesn't exist.
func NewLog(baseDir string) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Log{baseDir: baseDir}, nil
}

// Append adds an entry to the log at key if and only if the log still
// holds exactly expectedLen entries. A log that does not exist yet has
// length zero. Returns the new length on success.
//
// When the on-disk entry count differs from expectedLen the append fails
// with a ConflictError (matching errors.ErrAppendConflict) and the log is
// left unchanged. The caller should re-read the log and retry.
//
// The read-check-append sequence runs under an exclusive flock(2), so
// appends are safe across processes sharing the same storage root.
func (l *Log) Append(ctx context.Context, key string, entry []byte, expectedLen int) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if len(entry) == 0 {
		return 0, errors.NewValidationError("log entry cannot be empty").WithField("entry")
	}
	if bytes.IndexByte(entry, '\n') >= 0 {
		return 0, errors.NewValidationError("log entry cannot contain newlines").WithField("entry")
	}
	if expectedLen < 0 {
		return 0, errors.NewValidationError("expected length cannot be negative").WithField("expectedLen").WithValue(expectedLen)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.keyToPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	lock := NewFileLock(path + ".lock")
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to lock log '%s': %w", key, err)
	}
	defer func() { _ = lock.Unlock() }()

	entries, err := readLogFile(path)
	if err != nil {
		return 0, err
	}
	if len(entries) != expectedLen {
		return 0, errors.NewConflictError(key, expectedLen, len(entries))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}

	line := make([]byte, 0, len(entry)+1)
	line = append(line, entry...)
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to append log entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close log file: %w", err)
	}

	return len(entries) + 1, nil
}

// Read returns a snapshot of all entries in the log at key, in append
// order. The snapshot is a copy; reading does not consume entries, and
// the caller may replay it any number of times. A log that has never been
// appended to reads as empty.
func (l *Log) Read(ctx context.Context, key string) ([][]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return readLogFile(l.keyToPath(key))
}

// Len returns the number of entries in the log at key.
func (l *Log) Len(ctx context.Context, key string) (int, error) {
	entries, err := l.Read(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Exists checks whether the log at key has been written to.
func (l *Log) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	_, err := os.Stat(l.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check log existence: %w", err)
	}
	return true, nil
}

// keyToPath converts a log key to a filesystem path.
func (l *Log) keyToPath(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key)+".log")
}

// readLogFile reads all entries from a log file. A missing file reads as
// an empty log. Each returned entry is an independent copy.
func readLogFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		entry := make([]byte, len(line))
		copy(entry, line)
		entries = append(entries, entry)
	}
	return entries, nil
}
