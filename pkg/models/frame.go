// Package models provides domain types for the Strand conversation runtime.
package models

import (
	"strings"
)

// FrameType identifies the kind of frame. The set is closed: the compiler
// and both store backends switch exhaustively over it, so adding a type is
// a compile-visible change.
type FrameType string

const (
	// FrameMessage is a conversational message from a user, agent, or the system.
	FrameMessage FrameType = "message"

	// FrameRequest records an interaction request parsed from agent output.
	FrameRequest FrameType = "request"

	// FrameResult records the outcome of an executed interaction.
	FrameResult FrameType = "result"

	// FrameUpdate rewrites the compiled content of one or more target frames
	// without mutating the originals.
	FrameUpdate FrameType = "update"

	// FrameCompact is a checkpoint snapshot that replaces all prior compiled
	// state for the session.
	FrameCompact FrameType = "compact"
)

// Valid reports whether t is one of the known frame types.
func (t FrameType) Valid() bool {
	switch t {
	case FrameMessage, FrameRequest, FrameResult, FrameUpdate, FrameCompact:
		return true
	default:
		return false
	}
}

// AuthorType identifies who produced a frame.
type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// Document is an opaque structured payload. Frames carry one; its shape is
// owned by whoever wrote the frame.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Document(val).Clone()
	case Document:
		return val.Clone()
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = cloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

// Frame is one immutable event record in a session's log. Frames are never
// mutated or deleted except by whole-session teardown; update-type frames
// change compiled state, not stored frames.
type Frame struct {
	// ID is unique and generation-ordered across the whole store.
	ID string `json:"id"`

	// SessionID scopes the frame to one conversation log.
	SessionID string `json:"session_id"`

	// ParentID links nested sub-frames to their parent, if any.
	ParentID string `json:"parent_id,omitempty"`

	// TargetIDs lists addressable entities this frame affects, e.g.
	// "frame:<id>" or "participant:<id>".
	TargetIDs []string `json:"target_ids,omitempty"`

	// Timestamp sorts lexically; strictly monotonic within a session.
	Timestamp string `json:"ts"`

	Type       FrameType  `json:"type"`
	AuthorType AuthorType `json:"author_type"`
	AuthorID   string     `json:"author_id,omitempty"`

	// Hidden frames feed future model context but are filtered from
	// user-facing views (intermediate agentic-loop output, feedback docs).
	Hidden bool `json:"hidden,omitempty"`

	// Payload is the type-dependent structured document.
	Payload Document `json:"payload"`
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	clone := *f
	if len(f.TargetIDs) > 0 {
		clone.TargetIDs = append([]string{}, f.TargetIDs...)
	}
	clone.Payload = f.Payload.Clone()
	return &clone
}

// FrameTarget builds a target reference for another frame.
func FrameTarget(frameID string) string {
	return "frame:" + frameID
}

// TargetFrameID extracts the frame id from a "frame:<id>" target reference.
// Returns "" if the target does not address a frame.
func TargetFrameID(target string) string {
	const prefix = "frame:"
	if strings.HasPrefix(target, prefix) {
		return target[len(prefix):]
	}
	return ""
}

// ErrorMarkerPayload is the payload substituted when a stored frame's
// payload cannot be decoded. A single corrupt frame must never block
// replay of the rest of the session.
func ErrorMarkerPayload(reason string) Document {
	return Document{
		"error":  "malformed payload",
		"reason": reason,
	}
}

// IsErrorMarker reports whether a payload is a read-time error marker.
func IsErrorMarker(d Document) bool {
	if d == nil {
		return false
	}
	v, ok := d["error"].(string)
	return ok && v == "malformed payload"
}

// CompactionSnapshot is the payload content of a compact frame: collapsed
// compiled state plus bookkeeping about what was collapsed.
type CompactionSnapshot struct {
	// Entries maps addressable id to its collapsed payload.
	Entries map[string]Document `json:"entries"`

	// CollapsedCount is how many frames the snapshot replaced.
	CollapsedCount int `json:"collapsed_count"`

	// FromTimestamp and ToTimestamp bound the collapsed range.
	FromTimestamp string `json:"from_ts,omitempty"`
	ToTimestamp   string `json:"to_ts,omitempty"`
}

// SnapshotPayload encodes a snapshot as a frame payload.
func SnapshotPayload(s *CompactionSnapshot) Document {
	entries := make(map[string]any, len(s.Entries))
	for id, doc := range s.Entries {
		entries[id] = map[string]any(doc.Clone())
	}
	return Document{
		"entries":         entries,
		"collapsed_count": s.CollapsedCount,
		"from_ts":         s.FromTimestamp,
		"to_ts":           s.ToTimestamp,
	}
}

// SnapshotFromPayload decodes a compact frame payload. Unknown or missing
// fields degrade to an empty snapshot rather than an error: a damaged
// checkpoint should behave like an empty one, not poison replay.
func SnapshotFromPayload(d Document) *CompactionSnapshot {
	s := &CompactionSnapshot{Entries: map[string]Document{}}
	if d == nil {
		return s
	}
	if raw, ok := d["entries"].(map[string]any); ok {
		for id, v := range raw {
			if doc, ok := v.(map[string]any); ok {
				s.Entries[id] = Document(doc).Clone()
			}
		}
	}
	switch n := d["collapsed_count"].(type) {
	case int:
		s.CollapsedCount = n
	case float64:
		s.CollapsedCount = int(n)
	}
	if v, ok := d["from_ts"].(string); ok {
		s.FromTimestamp = v
	}
	if v, ok := d["to_ts"].(string); ok {
		s.ToTimestamp = v
	}
	return s
}
