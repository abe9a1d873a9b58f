package frames

import (
	"sort"

	"github.com/strandlabs/strand/pkg/models"
)

// Entry is one unit of compiled conversation state.
type Entry struct {
	FrameID    string            `json:"frame_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Type       models.FrameType  `json:"type"`
	AuthorType models.AuthorType `json:"author_type,omitempty"`
	AuthorID   string            `json:"author_id,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Hidden     bool              `json:"hidden,omitempty"`
	Payload    models.Document   `json:"payload"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Payload = e.Payload.Clone()
	return &clone
}

// CompiledState is the materialized view of a session's frame log. It is
// produced only by Compile; replaying the same frames always yields the
// same state.
type CompiledState struct {
	SessionID      string
	CollapsedCount int
	CompactedAt    string

	order []string
	byID  map[string]*Entry
}

func newCompiledState(sessionID string) *CompiledState {
	return &CompiledState{
		SessionID: sessionID,
		byID:      make(map[string]*Entry),
	}
}

// Entries returns the compiled entries in log order.
func (s *CompiledState) Entries() []*Entry {
	entries := make([]*Entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.byID[id])
	}
	return entries
}

// Entry returns the entry for a frame id, or nil.
func (s *CompiledState) Entry(frameID string) *Entry {
	return s.byID[frameID]
}

// Len reports the number of compiled entries.
func (s *CompiledState) Len() int {
	return len(s.order)
}

func (s *CompiledState) put(entry *Entry) {
	if _, exists := s.byID[entry.FrameID]; !exists {
		s.order = append(s.order, entry.FrameID)
	}
	s.byID[entry.FrameID] = entry
}

// Compile replays frames in order into a CompiledState. It is a pure
// function of its input: no clock, no store, no randomness.
//
// Message, request and result frames insert an entry keyed by the frame's
// own id. An update frame mutates the payloads of the entries its targets
// name; targets that resolve to no entry are skipped without error. A
// compact frame discards the accumulator and replaces it with the frames's
// snapshot.
func Compile(sessionID string, frames []*models.Frame) *CompiledState {
	state := newCompiledState(sessionID)

	for _, frame := range frames {
		if frame == nil || frame.SessionID != sessionID {
			continue
		}

		switch frame.Type {
		case models.FrameMessage, models.FrameRequest, models.FrameResult:
			state.put(&Entry{
				FrameID:    frame.ID,
				SessionID:  frame.SessionID,
				Type:       frame.Type,
				AuthorType: frame.AuthorType,
				AuthorID:   frame.AuthorID,
				ParentID:   frame.ParentID,
				Timestamp:  frame.Timestamp,
				Hidden:     frame.Hidden,
				Payload:    frame.Payload.Clone(),
			})

		case models.FrameUpdate:
			applyUpdate(state, frame)

		case models.FrameCompact:
			applyCompact(state, frame)
		}
	}

	return state
}

// applyUpdate merges the update frame's payload into each targeted entry.
// Unknown targets are ignored; an update can race a compaction that
// collapsed its target, and replay must not fail for it.
func applyUpdate(state *CompiledState, frame *models.Frame) {
	for _, target := range frame.TargetIDs {
		id := models.TargetFrameID(target)
		if id == "" {
			continue
		}
		entry, ok := state.byID[id]
		if !ok {
			continue
		}
		if entry.Payload == nil {
			entry.Payload = models.Document{}
		}
		for key, value := range frame.Payload {
			entry.Payload[key] = value
		}
	}
}

// applyCompact replaces the accumulated state wholesale with the snapshot
// carried by the compact frame. Snapshot entries are ordered by id, which
// preserves generation order.
func applyCompact(state *CompiledState, frame *models.Frame) {
	snapshot := models.SnapshotFromPayload(frame.Payload)

	state.order = state.order[:0]
	state.byID = make(map[string]*Entry, len(snapshot.Entries))
	state.CollapsedCount += snapshot.CollapsedCount
	state.CompactedAt = frame.Timestamp

	ids := make([]string, 0, len(snapshot.Entries))
	for id := range snapshot.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		state.put(&Entry{
			FrameID:   id,
			SessionID: frame.SessionID,
			Type:      models.FrameMessage,
			Timestamp: frame.Timestamp,
			Payload:   snapshot.Entries[id].Clone(),
		})
	}

	// The compact frame itself becomes an entry so the summary stays
	// visible in the transcript.
	state.put(&Entry{
		FrameID:    frame.ID,
		SessionID:  frame.SessionID,
		Type:       models.FrameCompact,
		AuthorType: frame.AuthorType,
		AuthorID:   frame.AuthorID,
		Timestamp:  frame.Timestamp,
		Payload:    frame.Payload.Clone(),
	})
}
