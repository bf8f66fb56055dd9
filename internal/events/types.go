// Package events provides the event types published by sandboxd's core
// components onto the shared event bus.
package events

// Event types for sessions (published by SessionManager, C4).
const (
	SessionCreated   = "session.created"
	SessionDestroyed = "session.destroyed"
)

// Event types for background processes (published by ProcessService, C6).
const (
	ProcessStarted = "process.started"
	ProcessStatus  = "process.status"
)

// Event types for exposed ports (published by the port registry, C7).
const (
	PortExposed   = "port.exposed"
	PortUnexposed = "port.unexposed"
)

// BuildSessionSubject creates a per-session subject for session lifecycle
// events, e.g. for an operator subscribing to one session's activity.
func BuildSessionSubject(sessionID string) string {
	return "session." + sessionID
}

// BuildProcessSubject creates a per-process subject for status events.
func BuildProcessSubject(processID string) string {
	return "process." + processID
}

