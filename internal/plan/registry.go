package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/ensemble/internal/artifact"
	"github.com/Iron-Ham/ensemble/internal/errors"
)

// PlansDirName is the directory component under a session that holds its
// plan artifacts.
const PlansDirName = "plans"

// Registry stores and resolves plan artifacts for sessions. All state
// lives in the artifact store; the registry itself is stateless and safe
// for concurrent use.
type Registry struct {
	store artifact.Store
}

// NewRegistry creates a plan registry over the given artifact store.
func NewRegistry(store artifact.Store) *Registry {
	return &Registry{store: store}
}

// Register stores a plan artifact, overwriting any previous plan for the
// same (type, feature) key. Returns the previous artifact if one was
// overwritten, for diffing and debugging; callers never need it.
// Conflicting same-key registrations resolve last-writer-wins.
func (r *Registry) Register(ctx context.Context, sessionID string, a Artifact) (*Artifact, error) {
	if err := validateArtifact(&a); err != nil {
		return nil, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	key := planKey(sessionID, a.Type, a.Feature)

	var previous *Artifact
	if prev, err := r.load(ctx, key); err == nil {
		previous = prev
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	data, err := json.MarshalIndent(&a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to store plan %s: %w", a.Key(), err)
	}

	return previous, nil
}

// Resolve returns the plan registered for (type, feature) in the given
// session. Fails with an error matching errors.ErrPlanNotFound if absent;
// the executor must surface this rather than guess or fabricate inputs.
func (r *Registry) Resolve(ctx context.Context, sessionID string, t Type, feature string) (*Artifact, error) {
	a, err := r.load(ctx, planKey(sessionID, t, feature))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Wrapf(errors.ErrPlanNotFound, "missing plan: %s/%s", t, feature)
		}
		return nil, err
	}
	return a, nil
}

// IsComplete reports whether every required plan type has a plan
// registered for the session's feature scope. It is idempotent: repeated
// calls without new registrations return the same result.
func (r *Registry) IsComplete(ctx context.Context, sessionID, feature string, required []Type) (bool, error) {
	missing, err := r.Missing(ctx, sessionID, feature, required)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Missing returns the required plan types that have no registered plan
// yet, in the order they were requested.
func (r *Registry) Missing(ctx context.Context, sessionID, feature string, required []Type) ([]Type, error) {
	var missing []Type
	for _, t := range required {
		exists, err := r.store.Exists(ctx, planKey(sessionID, t, feature))
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// List returns all plans registered for a session, in key order.
func (r *Registry) List(ctx context.Context, sessionID string) ([]*Artifact, error) {
	keys, err := r.store.List(ctx, sessionPlansPrefix(sessionID))
	if err != nil {
		return nil, err
	}

	plans := make([]*Artifact, 0, len(keys))
	for _, key := range keys {
		a, err := r.load(ctx, key)
		if err != nil {
			return nil, err
		}
		plans = append(plans, a)
	}
	return plans, nil
}

func (r *Registry) load(ctx context.Context, key string) (*Artifact, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse plan at %s: %w", key, err)
	}
	return &a, nil
}

func validateArtifact(a *Artifact) error {
	if a.Type == "" {
		return errors.NewValidationError("plan type cannot be empty").WithField("type")
	}
	if a.Feature == "" {
		return errors.NewValidationError("plan feature cannot be empty").WithField("feature")
	}
	if a.Role == "" {
		return errors.NewValidationError("plan must name its producing role").WithField("role")
	}
	return nil
}

func planKey(sessionID string, t Type, feature string) string {
	return sessionPlansPrefix(sessionID) + string(t) + "/" + feature
}

func sessionPlansPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/" + PlansDirName + "/"
}
