// Package session manages session lifecycle and the append-only context
// log through which agents share state. A session is one end-to-end task
// lifecycle; its context log records everything agents observed and
// decided, and the session's current phase is derived purely from the
// latest coordinator-authored transition entry in that log.
package session

import (
	"time"
)

// Phase is a session's position in the coordinator state machine.
type Phase string

const (
	PhasePlanning          Phase = "planning"
	PhaseReadyForExecution Phase = "ready-for-execution"
	PhaseExecuting         Phase = "executing"
	PhaseReviewing         Phase = "reviewing"
	PhaseRefactoring       Phase = "refactoring"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// phaseRank orders phases for staleness checks. Failed ranks last since a
// session can fail from any phase.
var phaseRank = map[Phase]int{
	PhasePlanning:          0,
	PhaseReadyForExecution: 1,
	PhaseExecuting:         2,
	PhaseReviewing:         3,
	PhaseRefactoring:       4,
	PhaseDone:              5,
	PhaseFailed:            6,
}

// Valid reports whether p is a recognized phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Terminal reports whether p is a terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Before reports whether p strictly precedes other in phase order.
func (p Phase) Before(other Phase) bool {
	return phaseRank[p] < phaseRank[other]
}

// String returns the phase's wire name.
func (p Phase) String() string {
	return string(p)
}

// CoordinatorRole is the reserved author name for coordinator-written
// context entries. Only entries with this role drive phase derivation.
const CoordinatorRole = "coordinator"

// Context entry kinds.
const (
	// EntryKindNote is a free-form observation or decision from a role.
	EntryKindNote = "note"

	// EntryKindTransition records a coordinator phase transition. The
	// entry's Phase field is the phase being entered.
	EntryKindTransition = "transition"

	// EntryKindFailure records a role invocation failure as structured
	// data so later phases can inspect root cause.
	EntryKindFailure = "failure"

	// EntryKindPoison marks external cancellation. Appended together
	// with the forced transition to Failed.
	EntryKindPoison = "poison"
)

// Session holds a session's immutable creation-time metadata. The
// session's phase is not stored here; it is derived from the context log.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// Task is the caller-supplied task description.
	Task string `json:"task"`

	// Feature is the feature name plan artifacts are scoped to.
	Feature string `json:"feature"`

	// RequestedPlans lists the plan types that must exist before the
	// session can leave Planning.
	RequestedPlans []string `json:"requested_plans"`

	// RefactorRequested controls whether a clean review report leads to
	// a Refactoring phase or straight to Done.
	RefactorRequested bool `json:"refactor_requested"`

	// Created is the session creation time.
	Created time.Time `json:"created"`
}

// ContextEntry is one immutable record in a session's context log.
type ContextEntry struct {
	// Role is the author (a role name, or CoordinatorRole).
	Role string `json:"role"`

	// Time is when the entry was appended.
	Time time.Time `json:"time"`

	// Phase is the phase the author believed the session to be in. For
	// transition entries it is the phase being entered.
	Phase Phase `json:"phase"`

	// Kind classifies the entry (note, transition, failure, poison).
	Kind string `json:"kind"`

	// Content is the free-form entry body.
	Content string `json:"content"`
}

// NewNoteEntry builds a note entry authored by a role.
func NewNoteEntry(role string, phase Phase, content string) ContextEntry {
	return ContextEntry{
		Role:    role,
		Time:    time.Now().UTC(),
		Phase:   phase,
		Kind:    EntryKindNote,
		Content: content,
	}
}

// NewTransitionEntry builds a coordinator transition entry into the given
// phase.
func NewTransitionEntry(phase Phase, reason string) ContextEntry {
	return ContextEntry{
		Role:    CoordinatorRole,
		Time:    time.Now().UTC(),
		Phase:   phase,
		Kind:    EntryKindTransition,
		Content: reason,
	}
}

// NewFailureEntry builds a structured failure record for a role.
func NewFailureEntry(role string, phase Phase, message string) ContextEntry {
	return ContextEntry{
		Role:    role,
		Time:    time.Now().UTC(),
		Phase:   phase,
		Kind:    EntryKindFailure,
		Content: message,
	}
}

// NewPoisonEntry builds the cancellation marker entry.
func NewPoisonEntry(reason string) ContextEntry {
	return ContextEntry{
		Role:    CoordinatorRole,
		Time:    time.Now().UTC(),
		Phase:   PhaseFailed,
		Kind:    EntryKindPoison,
		Content: reason,
	}
}

// Info summarizes a session for listings.
type Info struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Feature    string    `json:"feature"`
	Phase      Phase     `json:"phase"`
	Created    time.Time `json:"created"`
	EntryCount int       `json:"entry_count"`
	IsLocked   bool      `json:"is_locked"`
	SessionDir string    `json:"session_dir"`
}
