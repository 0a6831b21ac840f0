package review

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/ensemble/internal/artifact"
	"github.com/Iron-Ham/ensemble/internal/errors"
)

// ReportsDirName is the directory component under a session that holds
// its review reports.
const ReportsDirName = "reports"

// reportKeyFormat is the timestamp layout used as the report key.
// Colons are avoided so keys stay filesystem-safe.
const reportKeyFormat = "2006-01-02T15-04-05.000000000Z"

// Registry persists and retrieves review reports through the artifact
// store. Reports are keyed by their creation timestamp, so a session
// accumulates one report per review pass.
type Registry struct {
	store artifact.Store
}

// NewRegistry creates a report registry over the given artifact store.
func NewRegistry(store artifact.Store) *Registry {
	return &Registry{store: store}
}

// File persists a report. A zero CreatedAt is stamped with the current
// time. Returns the key the report was stored under.
func (r *Registry) File(ctx context.Context, report *Report) (string, error) {
	if report.SessionID == "" {
		return "", errors.NewValidationError("report must name its session").WithField("sessionID")
	}
	for _, f := range report.Findings {
		if !f.Severity.IsValid() {
			return "", errors.NewValidationError(fmt.Sprintf("unrecognized severity '%s'", f.Severity)).
				WithField("severity").WithValue(string(f.Severity))
		}
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	key := reportKey(report.SessionID, report.CreatedAt)
	if err := r.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to store report: %w", err)
	}
	return key, nil
}

// Latest returns the most recent report for a session, or an error
// matching errors.ErrNotFound when the session has none. Timestamp keys
// sort lexically, so the last key is the newest report.
func (r *Registry) Latest(ctx context.Context, sessionID string) (*Report, error) {
	keys, err := r.store.List(ctx, sessionReportsPrefix(sessionID))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.NewNotFoundError("report", sessionID)
	}
	return r.load(ctx, keys[len(keys)-1])
}

// List returns all reports for a session in filing order.
func (r *Registry) List(ctx context.Context, sessionID string) ([]*Report, error) {
	keys, err := r.store.List(ctx, sessionReportsPrefix(sessionID))
	if err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(keys))
	for _, key := range keys {
		report, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Registry) load(ctx context.Context, key string) (*Report, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report at %s: %w", key, err)
	}
	return &report, nil
}

func reportKey(sessionID string, createdAt time.Time) string {
	return sessionReportsPrefix(sessionID) + createdAt.UTC().Format(reportKeyFormat)
}

func sessionReportsPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/" + ReportsDirName + "/"
}
