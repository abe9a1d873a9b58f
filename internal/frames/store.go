package frames

import (
	"context"
	"errors"

	"github.com/strandlabs/strand/pkg/models"
)

// ErrFrameNotFound is returned by point lookups for unknown frame ids.
var ErrFrameNotFound = errors.New("frame not found")

// RangeOptions filters and bounds a Range query. Results are always
// returned ascending by timestamp; Descending only changes which end of
// the range a Limit trims from (backward pagination).
type RangeOptions struct {
	// AfterTimestamp restricts to frames sorting strictly after it.
	AfterTimestamp string

	// BeforeTimestamp restricts to frames sorting strictly before it.
	BeforeTimestamp string

	// FromLatestCompaction starts the range at the session's most recent
	// compact frame (inclusive). Combined with AfterTimestamp, the later
	// bound wins.
	FromLatestCompaction bool

	// Types restricts to the given frame types; empty means all.
	Types []models.FrameType

	// Limit caps the result size; 0 means unlimited.
	Limit int

	// Descending selects the newest Limit frames instead of the oldest.
	// The store queries descending internally and reverses, so output
	// order stays ascending.
	Descending bool

	// IncludeHidden includes frames persisted for model context only.
	IncludeHidden bool
}

// RangePage is one page of an ordered range query.
type RangePage struct {
	Frames []*models.Frame

	// HasMore is set when the store's one-extra-row probe found frames
	// beyond the requested limit.
	HasMore bool
}

// SearchOptions scopes a full-text search.
type SearchOptions struct {
	SessionID string
	Types     []models.FrameType
	Limit     int
	Offset    int
}

// Store is the append-only frame log. Frames are immutable once appended;
// the only whole-sale removal is session teardown.
type Store interface {
	// Append persists the frame, assigning ID and Timestamp when absent,
	// and returns the stored frame.
	Append(ctx context.Context, frame *models.Frame) (*models.Frame, error)

	// Get returns one frame by id.
	Get(ctx context.Context, id string) (*models.Frame, error)

	// Range returns session frames ascending by timestamp.
	Range(ctx context.Context, sessionID string, opts RangeOptions) (*RangePage, error)

	// ChildrenOf returns the sub-frames of a parent, ascending.
	ChildrenOf(ctx context.Context, parentID string) ([]*models.Frame, error)

	// ByTarget returns frames whose TargetIDs contain targetID, ascending.
	// sessionID optionally narrows the scan.
	ByTarget(ctx context.Context, targetID, sessionID string) ([]*models.Frame, error)

	// Search does a case-insensitive substring match over payloads,
	// restricted to sessions owned by ownerID.
	Search(ctx context.Context, ownerID, text string, opts SearchOptions) ([]*models.Frame, error)

	// LatestCompact returns the most recent compact frame of a session,
	// or nil when the session was never compacted.
	LatestCompact(ctx context.Context, sessionID string) (*models.Frame, error)

	// RegisterSession records session ownership for search scoping. The
	// identity store proper is external; this is only an index.
	RegisterSession(ctx context.Context, sessionID, ownerID string) error

	// DeleteSession removes a session's frames wholesale (teardown).
	DeleteSession(ctx context.Context, sessionID string) error
}

func typeAllowed(t models.FrameType, types []models.FrameType) bool {
	if len(types) == 0 {
		return true
	}
	for _, allowed := range types {
		if t == allowed {
			return true
		}
	}
	return false
}
