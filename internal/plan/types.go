// Package plan manages plan artifacts: the structured documents planner
// roles produce and the executor consumes. Plans are keyed by
// (type, feature) within a session; re-planning overwrites, it never
// appends. The registry persists plans through the artifact store, so
// plan writes inherit its atomicity and durability guarantees.
package plan

import (
	"time"
)

// Type classifies a plan artifact. The set is open: the well-known types
// below ship as defaults, but contract files may introduce others.
type Type string

const (
	TypeUI                 Type = "ui"
	TypeLogic              Type = "logic"
	TypeNextJSArchitecture Type = "nextjs-architecture"
)

// KnownTypes returns the plan types that ship with the default role
// contracts.
func KnownTypes() []Type {
	return []Type{TypeUI, TypeLogic, TypeNextJSArchitecture}
}

// String returns the type's wire name.
func (t Type) String() string {
	return string(t)
}

// Artifact is one plan document. The body's internal structure is
// role-specific and opaque to the coordinator.
type Artifact struct {
	// Type is the plan's type (e.g., "ui").
	Type Type `json:"type"`

	// Feature is the feature name the plan targets.
	Feature string `json:"feature"`

	// Role is the planner role that produced the plan. A plan is owned
	// by its producing role and read-only to all others.
	Role string `json:"role"`

	// CreatedAt is when the plan was registered.
	CreatedAt time.Time `json:"created_at"`

	// Body is the plan content, opaque to the coordinator.
	Body string `json:"body"`
}

// Key returns the plan's identity within a session.
func (a *Artifact) Key() string {
	return string(a.Type) + "/" + a.Feature
}
