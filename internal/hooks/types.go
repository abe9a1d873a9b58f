// Package hooks provides an event-driven extension point for the
// conversation runtime: observers register for lifecycle events and are
// notified as frames flow through a session.
package hooks

import (
	"context"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// EventType identifies the category of hook event.
type EventType string

const (
	// EventUserMessage fires when a user message frame is appended,
	// before the agentic loop starts.
	EventUserMessage EventType = "turn.user_message"

	// EventAgentResponse fires after the loop writes the visible final
	// response frame.
	EventAgentResponse EventType = "turn.agent_response"

	// EventOperationDetected fires when interaction requests are parsed
	// from model output.
	EventOperationDetected EventType = "operation.detected"

	// EventOperationResult fires after a pipeline execution produces a
	// result, one event per operation.
	EventOperationResult EventType = "operation.result"

	// EventCompaction fires after a compact frame is written.
	EventCompaction EventType = "session.compaction"

	// EventSessionDeleted fires after a session's frames are removed.
	EventSessionDeleted EventType = "session.deleted"
)

// Event carries the context of one runtime occurrence.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Frame is the frame that caused the event, when one exists.
	Frame *models.Frame `json:"frame,omitempty"`

	// Result is set for EventOperationResult.
	Result *models.OperationResult `json:"result,omitempty"`

	// Data holds event-specific extras.
	Data map[string]any `json:"data,omitempty"`
}

// Handler processes a hook event. Returned errors are logged by the
// registry; they never abort the runtime path that fired the event.
type Handler func(ctx context.Context, event *Event) error

// Priority orders handlers for the same event.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 50
	PriorityLow    Priority = 100
)

// Registration records one registered handler.
type Registration struct {
	ID       string
	Event    EventType
	Name     string
	Priority Priority
	Handler  Handler
}
