// Package frames implements the append-only frame event log: persistence,
// ordered range queries, search, and deterministic replay into compiled
// state.
package frames

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Timestamps are "<13-digit unix ms>-<4-digit counter>". Both halves are
// zero-padded so lexical order equals numeric order. The counter wraps at
// counterBound; on wrap the millisecond half is bumped instead, which keeps
// the sequence strictly increasing without waiting for the wall clock.
const (
	msDigits     = 13
	counterBound = 10000
)

// Clock issues strictly increasing timestamps per session, even under
// sub-millisecond append bursts or wall-clock skew. It is the single
// serialization point for concurrent writers to the same session.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	seq  int
	last map[string]string
}

// NewClock creates a timestamp clock backed by the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now, last: make(map[string]string)}
}

// newClockAt creates a clock with an injectable time source for tests.
func newClockAt(now func() time.Time) *Clock {
	return &Clock{now: now, last: make(map[string]string)}
}

// Next returns the next timestamp for the session. The candidate is wall
// time plus the global counter; if that does not sort strictly after the
// session's last-issued timestamp, the last timestamp's counter half is
// incremented instead.
func (c *Clock) Next(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidate := formatTimestamp(c.now().UnixMilli(), c.seq)
	c.seq = (c.seq + 1) % counterBound

	last := c.last[sessionID]
	if last != "" && candidate <= last {
		candidate = bump(last)
	}
	c.last[sessionID] = candidate
	return candidate
}

// Observe records an externally supplied timestamp so later Next calls
// still sort after it. Used when frames arrive with timestamps already set.
func (c *Clock) Observe(sessionID, ts string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last[sessionID] {
		c.last[sessionID] = ts
	}
}

func formatTimestamp(ms int64, seq int) string {
	return fmt.Sprintf("%0*d-%04d", msDigits, ms, seq)
}

// bump increments the counter half of a timestamp, carrying into the
// millisecond half on wrap.
func bump(ts string) string {
	ms, seq, ok := splitTimestamp(ts)
	if !ok {
		// Not one of ours; append a counter so it still sorts after.
		return ts + "-0000"
	}
	seq++
	if seq >= counterBound {
		ms++
		seq = 0
	}
	return formatTimestamp(ms, seq)
}

func splitTimestamp(ts string) (ms int64, seq int, ok bool) {
	if len(ts) != msDigits+1+4 || ts[msDigits] != '-' {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(ts[:msDigits], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.Atoi(ts[msDigits+1:])
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}

// idClock mints generation-ordered frame ids. Ids share the timestamp
// machinery but use a single global scope, so they are unique across
// sessions and roughly time-sortable.
var idClock = NewClock()

// NewFrameID returns a fresh generation-ordered frame id.
func NewFrameID() string {
	return "frm_" + idClock.Next("")
}
