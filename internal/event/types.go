// Package event defines event types for decoupling components in Ensemble.
// These events enable communication between the coordinator, logging, and
// the watch view without requiring direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.phase_changed", "role.failed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionStartedEvent is emitted when a new session is created.
type SessionStartedEvent struct {
	baseEvent
	SessionID string // Unique identifier for the session
	Task      string // Task description provided by the caller
	Feature   string // Feature name the session targets
}

// NewSessionStartedEvent creates a SessionStartedEvent.
func NewSessionStartedEvent(sessionID, task, feature string) SessionStartedEvent {
	return SessionStartedEvent{
		baseEvent: newBaseEvent("session.started"),
		SessionID: sessionID,
		Task:      task,
		Feature:   feature,
	}
}

// PhaseChangedEvent is emitted when the coordinator transitions a session
// to a new phase.
type PhaseChangedEvent struct {
	baseEvent
	SessionID string // Session whose phase changed
	From      string // Previous phase name
	To        string // New phase name
	Reason    string // Why the transition happened (e.g., "plans complete")
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(sessionID, from, to, reason string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent: newBaseEvent("session.phase_changed"),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// SessionCompletedEvent is emitted when a session reaches a terminal phase.
type SessionCompletedEvent struct {
	baseEvent
	SessionID string // Session that finished
	Success   bool   // True for Done, false for Failed
	Reason    string // Failure reason, empty on success
}

// NewSessionCompletedEvent creates a SessionCompletedEvent.
func NewSessionCompletedEvent(sessionID string, success bool, reason string) SessionCompletedEvent {
	return SessionCompletedEvent{
		baseEvent: newBaseEvent("session.completed"),
		SessionID: sessionID,
		Success:   success,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Role Dispatch Events
// -----------------------------------------------------------------------------

// RoleDispatchedEvent is emitted when the coordinator invokes a role.
type RoleDispatchedEvent struct {
	baseEvent
	SessionID string // Session the role runs in
	Role      string // Role name (e.g., "ui-planner")
	Phase     string // Phase the dispatch happened in
	Attempt   int    // 1 for the first attempt, 2 for the retry
}

// NewRoleDispatchedEvent creates a RoleDispatchedEvent.
func NewRoleDispatchedEvent(sessionID, role, phase string, attempt int) RoleDispatchedEvent {
	return RoleDispatchedEvent{
		baseEvent: newBaseEvent("role.dispatched"),
		SessionID: sessionID,
		Role:      role,
		Phase:     phase,
		Attempt:   attempt,
	}
}

// RoleCompletedEvent is emitted when a role invocation finishes successfully.
type RoleCompletedEvent struct {
	baseEvent
	SessionID string // Session the role ran in
	Role      string // Role name
	Phase     string // Phase the role ran in
	Artifacts int    // Number of artifacts the role produced
}

// NewRoleCompletedEvent creates a RoleCompletedEvent.
func NewRoleCompletedEvent(sessionID, role, phase string, artifacts int) RoleCompletedEvent {
	return RoleCompletedEvent{
		baseEvent: newBaseEvent("role.completed"),
		SessionID: sessionID,
		Role:      role,
		Phase:     phase,
		Artifacts: artifacts,
	}
}

// RoleFailedEvent is emitted when a role invocation fails.
type RoleFailedEvent struct {
	baseEvent
	SessionID string // Session the role ran in
	Role      string // Role name
	Phase     string // Phase the role ran in
	Attempt   int    // Which attempt failed
	Final     bool   // True if no further retry will happen
	Error     string // Error message
}

// NewRoleFailedEvent creates a RoleFailedEvent.
func NewRoleFailedEvent(sessionID, role, phase string, attempt int, final bool, errMsg string) RoleFailedEvent {
	return RoleFailedEvent{
		baseEvent: newBaseEvent("role.failed"),
		SessionID: sessionID,
		Role:      role,
		Phase:     phase,
		Attempt:   attempt,
		Final:     final,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Artifact Events
// -----------------------------------------------------------------------------

// PlanRegisteredEvent is emitted when a planner registers a plan artifact.
type PlanRegisteredEvent struct {
	baseEvent
	SessionID string // Session the plan belongs to
	PlanType  string // Plan type (e.g., "ui", "logic")
	Feature   string // Feature the plan targets
	Overwrote bool   // True if a previous plan for the same key was replaced
}

// NewPlanRegisteredEvent creates a PlanRegisteredEvent.
func NewPlanRegisteredEvent(sessionID, planType, feature string, overwrote bool) PlanRegisteredEvent {
	return PlanRegisteredEvent{
		baseEvent: newBaseEvent("plan.registered"),
		SessionID: sessionID,
		PlanType:  planType,
		Feature:   feature,
		Overwrote: overwrote,
	}
}

// ReportFiledEvent is emitted when a reviewer files a review report.
type ReportFiledEvent struct {
	baseEvent
	SessionID string // Session the report belongs to
	Major     int    // Count of major findings
	Medium    int    // Count of medium findings
	Minor     int    // Count of minor findings
}

// NewReportFiledEvent creates a ReportFiledEvent.
func NewReportFiledEvent(sessionID string, major, medium, minor int) ReportFiledEvent {
	return ReportFiledEvent{
		baseEvent: newBaseEvent("report.filed"),
		SessionID: sessionID,
		Major:     major,
		Medium:    medium,
		Minor:     minor,
	}
}

// ContextAppendedEvent is emitted when an entry lands on a session's
// context log.
type ContextAppendedEvent struct {
	baseEvent
	SessionID string // Session whose log grew
	Role      string // Role that authored the entry
	Length    int    // New length of the log
}

// NewContextAppendedEvent creates a ContextAppendedEvent.
func NewContextAppendedEvent(sessionID, role string, length int) ContextAppendedEvent {
	return ContextAppendedEvent{
		baseEvent: newBaseEvent("context.appended"),
		SessionID: sessionID,
		Role:      role,
		Length:    length,
	}
}
