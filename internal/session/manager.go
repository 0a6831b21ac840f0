package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/ensemble/internal/artifact"
	"github.com/Iron-Ham/ensemble/internal/errors"
)

// Storage layout constants.
const (
	// StorageDirName is the hidden directory under the base directory
	// holding all ensemble state.
	StorageDirName = ".ensemble"

	// SessionsDirName is the directory within the storage root that
	// contains all sessions.
	SessionsDirName = "sessions"

	// SessionFileName is the session metadata file within a session
	// directory.
	SessionFileName = "session.json"

	// ContextLogKeyName is the log key component for the context log.
	ContextLogKeyName = "context"
)

// DefaultAppendRetries bounds how many times a conflicting append is
// retried by re-reading before the conflict escalates to the caller.
const DefaultAppendRetries = 3

// GetStorageDir returns the ensemble storage root for a base directory.
func GetStorageDir(baseDir string) string {
	return filepath.Join(baseDir, StorageDirName)
}

// GetSessionsDir returns the path to the sessions directory.
func GetSessionsDir(baseDir string) string {
	return filepath.Join(GetStorageDir(baseDir), SessionsDirName)
}

// GetSessionDir returns the path to a specific session's directory.
func GetSessionDir(baseDir, sessionID string) string {
	return filepath.Join(GetSessionsDir(baseDir), sessionID)
}

// ContextManager owns session metadata and the per-session context log.
// All writes flow through the artifact store, so every coordination
// guarantee (durability, atomicity, optimistic appends) comes from there.
type ContextManager struct {
	baseDir    string
	store      *artifact.FileStore
	log        *artifact.Log
	maxRetries int
}

// NewContextManager creates a ContextManager rooted at the given base
// directory. State lives under <baseDir>/.ensemble. maxAppendRetries
// bounds conflict retries; values below 1 fall back to
// DefaultAppendRetries.
func NewContextManager(baseDir string, maxAppendRetries int) (*ContextManager, error) {
	storageDir := GetStorageDir(baseDir)
	store, err := artifact.NewFileStore(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}
	log, err := artifact.NewLog(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact log: %w", err)
	}
	if maxAppendRetries < 1 {
		maxAppendRetries = DefaultAppendRetries
	}
	return &ContextManager{
		baseDir:    baseDir,
		store:      store,
		log:        log,
		maxRetries: maxAppendRetries,
	}, nil
}

// Store exposes the underlying artifact store so sibling registries
// (plans, reports) share one storage root.
func (m *ContextManager) Store() *artifact.FileStore {
	return m.store
}

// BaseDir returns the base directory this manager is rooted at.
func (m *ContextManager) BaseDir() string {
	return m.baseDir
}

// SessionDir returns the directory holding a session's files.
func (m *ContextManager) SessionDir(sessionID string) string {
	return GetSessionDir(m.baseDir, sessionID)
}

// Create starts a new session for the given task and appends the initial
// transition entry into Planning.
func (m *ContextManager) Create(ctx context.Context, task, feature string, requestedPlans []string, refactor bool) (*Session, error) {
	if task == "" {
		return nil, errors.NewValidationError("task description cannot be empty").WithField("task")
	}
	if feature == "" {
		return nil, errors.NewValidationError("feature name cannot be empty").WithField("feature")
	}
	if len(requestedPlans) == 0 {
		return nil, errors.NewValidationError("at least one plan type must be requested").WithField("requestedPlans")
	}

	s := &Session{
		ID:                uuid.NewString(),
		Task:              task,
		Feature:           feature,
		RequestedPlans:    append([]string(nil), requestedPlans...),
		RefactorRequested: refactor,
		Created:           nowUTC(),
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Put(ctx, m.metadataKey(s.ID), data); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	entry := NewTransitionEntry(PhasePlanning, "session created")
	if err := m.appendEntry(ctx, s.ID, entry); err != nil {
		return nil, fmt.Errorf("failed to write initial transition: %w", err)
	}

	return s, nil
}

// Get loads a session's metadata.
func (m *ContextManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.store.Get(ctx, m.metadataKey(sessionID))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewSessionError("session not found", errors.ErrSessionNotFound).
				WithSessionID(sessionID)
		}
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.NewSessionError("session metadata is corrupted", errors.ErrSessionCorrupted).
			WithSessionID(sessionID)
	}
	return &s, nil
}

// Exists reports whether a session with the given ID exists.
func (m *ContextManager) Exists(ctx context.Context, sessionID string) (bool, error) {
	return m.store.Exists(ctx, m.metadataKey(sessionID))
}

// Append adds an entry to a session's context log. Entries are immutable
// and the log only grows.
//
// Appends whose declared phase predates the session's current phase are
// rejected with an error matching errors.ErrStalePhase; this guards
// against stale writers appending to a superseded phase. Append
// conflicts from concurrent writers are retried a bounded number of
// times by re-reading the log; if the bound is exhausted the conflict is
// returned to the caller.
func (m *ContextManager) Append(ctx context.Context, sessionID string, entry ContextEntry) error {
	if entry.Role == "" {
		return errors.NewValidationError("context entry must have a role").WithField("role")
	}
	if !entry.Phase.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unrecognized phase '%s'", entry.Phase)).
			WithField("phase").WithValue(string(entry.Phase))
	}
	if exists, err := m.Exists(ctx, sessionID); err != nil {
		return err
	} else if !exists {
		return errors.NewSessionError("session not found", errors.ErrSessionNotFound).
			WithSessionID(sessionID)
	}
	return m.appendEntry(ctx, sessionID, entry)
}

func (m *ContextManager) appendEntry(ctx context.Context, sessionID string, entry ContextEntry) error {
	if entry.Time.IsZero() {
		entry.Time = nowUTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal context entry: %w", err)
	}

	key := m.contextKey(sessionID)
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		raw, err := m.log.Read(ctx, key)
		if err != nil {
			return err
		}
		entries, err := decodeEntries(sessionID, raw)
		if err != nil {
			return err
		}

		current := derivePhase(entries)
		if entry.Phase.Before(current) {
			return errors.NewSessionError(
				fmt.Sprintf("entry for phase '%s' rejected, session is in '%s'", entry.Phase, current),
				errors.ErrStalePhase,
			).WithSessionID(sessionID)
		}

		_, err = m.log.Append(ctx, key, data, len(raw))
		if err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrAppendConflict) {
			return err
		}
		lastErr = err
	}

	return errors.Wrapf(lastErr, "append to session %s still conflicting after %d retries", sessionID, m.maxRetries)
}

// Read returns a replayable snapshot of the session's context log in
// append order. Reading does not consume or mutate the log.
func (m *ContextManager) Read(ctx context.Context, sessionID string) ([]ContextEntry, error) {
	if exists, err := m.Exists(ctx, sessionID); err != nil {
		return nil, err
	} else if !exists {
		return nil, errors.NewSessionError("session not found", errors.ErrSessionNotFound).
			WithSessionID(sessionID)
	}

	raw, err := m.log.Read(ctx, m.contextKey(sessionID))
	if err != nil {
		return nil, err
	}
	return decodeEntries(sessionID, raw)
}

// CurrentPhase derives the session's phase from the latest
// coordinator-authored transition entry. It is a pure function of the
// log: replaying the same log always yields the same phase.
func (m *ContextManager) CurrentPhase(ctx context.Context, sessionID string) (Phase, error) {
	entries, err := m.Read(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return derivePhase(entries), nil
}

// LastEntry returns the most recent context entry, or nil for an empty log.
func (m *ContextManager) LastEntry(ctx context.Context, sessionID string) (*ContextEntry, error) {
	entries, err := m.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

// List returns summary information for all sessions, discovered by
// scanning the sessions directory.
func (m *ContextManager) List(ctx context.Context) ([]*Info, error) {
	sessionsDir := GetSessionsDir(m.baseDir)

	dirEntries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No sessions directory = no sessions
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var infos []*Info
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}

		info, err := m.Describe(ctx, dirEntry.Name())
		if err != nil {
			// Skip sessions we can't read
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Describe returns summary information for one session.
func (m *ContextManager) Describe(ctx context.Context, sessionID string) (*Info, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := m.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sessionDir := m.SessionDir(sessionID)
	_, isLocked := IsLocked(sessionDir)

	return &Info{
		ID:         s.ID,
		Task:       s.Task,
		Feature:    s.Feature,
		Phase:      derivePhase(entries),
		Created:    s.Created,
		EntryCount: len(entries),
		IsLocked:   isLocked,
		SessionDir: sessionDir,
	}, nil
}

func (m *ContextManager) metadataKey(sessionID string) string {
	return SessionsDirName + "/" + sessionID + "/" + SessionFileName
}

func (m *ContextManager) contextKey(sessionID string) string {
	return SessionsDirName + "/" + sessionID + "/" + ContextLogKeyName
}

// derivePhase scans the log for the latest coordinator transition entry.
// A log with no transitions reads as Planning.
func derivePhase(entries []ContextEntry) Phase {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Role == CoordinatorRole && (e.Kind == EntryKindTransition || e.Kind == EntryKindPoison) {
			return e.Phase
		}
	}
	return PhasePlanning
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func decodeEntries(sessionID string, raw [][]byte) ([]ContextEntry, error) {
	entries := make([]ContextEntry, 0, len(raw))
	for _, line := range raw {
		var e ContextEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, errors.NewSessionError("context log is corrupted", errors.ErrSessionCorrupted).
				WithSessionID(sessionID)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
