// Package event provides a pub-sub event bus for decoupled inter-component
// communication in Ensemble.
//
// This package enables loose coupling between the coordinator, logging, and
// the watch view by allowing them to communicate through events rather than
// direct method calls. Components can publish events without knowing who will
// receive them, and subscribe to events without knowing who will produce them.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// The package defines several categories of events:
//
// Session Lifecycle:
//   - [SessionStartedEvent]: Emitted when a new session is created
//   - [PhaseChangedEvent]: Emitted when the coordinator transitions a session
//   - [SessionCompletedEvent]: Emitted when a session reaches Done or Failed
//
// Role Dispatch:
//   - [RoleDispatchedEvent]: Emitted when the coordinator invokes a role
//   - [RoleCompletedEvent]: Emitted when a role invocation succeeds
//   - [RoleFailedEvent]: Emitted when a role invocation fails
//
// Artifacts:
//   - [PlanRegisteredEvent]: Emitted when a planner registers a plan
//   - [ReportFiledEvent]: Emitted when a reviewer files a report
//   - [ContextAppendedEvent]: Emitted when a context log entry lands
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Multiple goroutines can publish
// and subscribe concurrently. Handlers are called synchronously and protected
// against panics - a panicking handler will not prevent other handlers from
// being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	// Subscribe to specific event types
//	bus.Subscribe("session.phase_changed", func(e event.Event) {
//	    changed := e.(event.PhaseChangedEvent)
//	    log.Printf("Session %s: %s -> %s", changed.SessionID, changed.From, changed.To)
//	})
//
//	// Subscribe to all events (useful for logging)
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("Event: %s at %v", e.EventType(), e.Timestamp())
//	})
//
//	// Publish events
//	bus.Publish(event.NewSessionStartedEvent("sess-1", "add checkout form", "checkout-form"))
//
//	// Unsubscribe when done
//	id := bus.Subscribe("role.failed", handler)
//	bus.Unsubscribe(id)
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - session.started, session.phase_changed, session.completed
//   - role.dispatched, role.completed, role.failed
//   - plan.registered, report.filed, context.appended
package event
