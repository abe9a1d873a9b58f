package frames

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/strandlabs/strand/pkg/models"
)

// maxFramesPerSession bounds in-memory growth for long-lived local runs.
// The in-memory backend trims a session's oldest frames past this bound,
// a divergence from the no-removal Store contract that the durable sqlite
// backend honors. Compact frames are never trimmed so the latest
// checkpoint stays resolvable.
const maxFramesPerSession = 10000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. All returned frames are clones; callers cannot reach the
// stored copies.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    *Clock
	frames   map[string][]*models.Frame // sessionID -> ascending by timestamp
	byID     map[string]*models.Frame
	owners   map[string]string // sessionID -> ownerID
	sessions map[string][]string
}

// NewMemoryStore creates an empty in-memory frame store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:    NewClock(),
		frames:   map[string][]*models.Frame{},
		byID:     map[string]*models.Frame{},
		owners:   map[string]string{},
		sessions: map[string][]string{},
	}
}

func (m *MemoryStore) Append(ctx context.Context, frame *models.Frame) (*models.Frame, error) {
	if frame == nil {
		return nil, errors.New("frame is required")
	}
	if frame.SessionID == "" {
		return nil, errors.New("frame session id is required")
	}
	if !frame.Type.Valid() {
		return nil, errors.New("unknown frame type: " + string(frame.Type))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := frame.Clone()
	if clone.ID == "" {
		clone.ID = NewFrameID()
	}
	if clone.Timestamp == "" {
		clone.Timestamp = m.clock.Next(clone.SessionID)
	} else {
		m.clock.Observe(clone.SessionID, clone.Timestamp)
	}
	if _, exists := m.byID[clone.ID]; exists {
		return nil, errors.New("duplicate frame id: " + clone.ID)
	}

	m.frames[clone.SessionID] = append(m.frames[clone.SessionID], clone)
	m.byID[clone.ID] = clone

	if session := m.frames[clone.SessionID]; len(session) > maxFramesPerSession {
		for i, excess := range session {
			if excess.Type == models.FrameCompact {
				continue
			}
			delete(m.byID, excess.ID)
			m.frames[clone.SessionID] = append(session[:i], session[i+1:]...)
			break
		}
	}

	// Reflect generated fields back to the caller.
	frame.ID = clone.ID
	frame.Timestamp = clone.Timestamp
	return clone.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	frame, ok := m.byID[id]
	if !ok {
		return nil, ErrFrameNotFound
	}
	return frame.Clone(), nil
}

func (m *MemoryStore) Range(ctx context.Context, sessionID string, opts RangeOptions) (*RangePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	after := opts.AfterTimestamp
	if opts.FromLatestCompaction {
		if compact := m.latestCompactLocked(sessionID); compact != nil && compact.Timestamp > after {
			// Inclusive of the compact frame itself.
			after = before(compact.Timestamp)
		}
	}

	var matched []*models.Frame
	for _, frame := range m.frames[sessionID] {
		if after != "" && frame.Timestamp <= after {
			continue
		}
		if opts.BeforeTimestamp != "" && frame.Timestamp >= opts.BeforeTimestamp {
			continue
		}
		if !typeAllowed(frame.Type, opts.Types) {
			continue
		}
		if frame.Hidden && !opts.IncludeHidden {
			continue
		}
		matched = append(matched, frame)
	}

	page := &RangePage{}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		page.HasMore = true
		if opts.Descending {
			matched = matched[len(matched)-opts.Limit:]
		} else {
			matched = matched[:opts.Limit]
		}
	}
	page.Frames = cloneFrames(matched)
	return page, nil
}

func (m *MemoryStore) ChildrenOf(ctx context.Context, parentID string) ([]*models.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Frame
	for _, session := range m.frames {
		for _, frame := range session {
			if frame.ParentID == parentID {
				out = append(out, frame.Clone())
			}
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (m *MemoryStore) ByTarget(ctx context.Context, targetID, sessionID string) ([]*models.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Frame
	for sid, session := range m.frames {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, frame := range session {
			for _, target := range frame.TargetIDs {
				if target == targetID {
					out = append(out, frame.Clone())
					break
				}
			}
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (m *MemoryStore) Search(ctx context.Context, ownerID, text string, opts SearchOptions) ([]*models.Frame, error) {
	if text == "" {
		return []*models.Frame{}, nil
	}
	needle := strings.ToLower(text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Frame
	for _, sid := range m.sessions[ownerID] {
		if opts.SessionID != "" && sid != opts.SessionID {
			continue
		}
		for _, frame := range m.frames[sid] {
			if frame.Hidden {
				continue
			}
			if !typeAllowed(frame.Type, opts.Types) {
				continue
			}
			if payloadContains(frame.Payload, needle) {
				matched = append(matched, frame)
			}
		}
	}
	sortByTimestamp(matched)

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		return []*models.Frame{}, nil
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return cloneFrames(matched[start:end]), nil
}

func (m *MemoryStore) LatestCompact(ctx context.Context, sessionID string) (*models.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if compact := m.latestCompactLocked(sessionID); compact != nil {
		return compact.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) RegisterSession(ctx context.Context, sessionID, ownerID string) error {
	if sessionID == "" || ownerID == "" {
		return errors.New("session id and owner id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.owners[sessionID]; ok {
		if existing != ownerID {
			return errors.New("session already registered to another owner")
		}
		return nil
	}
	m.owners[sessionID] = ownerID
	m.sessions[ownerID] = append(m.sessions[ownerID], sessionID)
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, frame := range m.frames[sessionID] {
		delete(m.byID, frame.ID)
	}
	delete(m.frames, sessionID)

	if owner, ok := m.owners[sessionID]; ok {
		delete(m.owners, sessionID)
		ids := m.sessions[owner]
		for i, id := range ids {
			if id == sessionID {
				m.sessions[owner] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *MemoryStore) latestCompactLocked(sessionID string) *models.Frame {
	session := m.frames[sessionID]
	for i := len(session) - 1; i >= 0; i-- {
		if session[i].Type == models.FrameCompact {
			return session[i]
		}
	}
	return nil
}

func payloadContains(payload models.Document, needle string) bool {
	if payload == nil {
		return false
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(encoded)), needle)
}

func cloneFrames(in []*models.Frame) []*models.Frame {
	out := make([]*models.Frame, len(in))
	for i, frame := range in {
		out[i] = frame.Clone()
	}
	return out
}

func sortByTimestamp(frames []*models.Frame) {
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Timestamp < frames[j].Timestamp
	})
}

// before returns a string sorting immediately before ts, used to turn an
// exclusive "after" bound into an inclusive one.
func before(ts string) string {
	if ts == "" {
		return ""
	}
	return ts[:len(ts)-1] + string(ts[len(ts)-1]-1)
}
