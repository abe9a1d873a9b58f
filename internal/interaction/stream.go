package interaction

import "strings"

// StreamFilter splits streamed model output into prose that can be shown
// immediately and tagged operation fences that must not reach the client.
// Feed deltas with Push; whatever it returns is safe to emit. Call Flush
// when the stream ends to release any held tail.
//
// The filter holds back text only while it could still turn into a fence
// marker, so ordinary prose streams through at delta granularity.
type StreamFilter struct {
	marker  string
	buf     string
	inFence bool
}

// NewStreamFilter creates a filter for fences tagged with tag. An empty
// tag falls back to DefaultBlockTag.
func NewStreamFilter(tag string) *StreamFilter {
	if tag == "" {
		tag = DefaultBlockTag
	}
	return &StreamFilter{marker: "```" + tag}
}

// Push appends a delta and returns the text that is now safe to emit.
func (f *StreamFilter) Push(delta string) string {
	f.buf += delta
	var out strings.Builder

	for {
		idx := strings.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		segment := f.buf[:idx+1]
		f.buf = f.buf[idx+1:]
		out.WriteString(f.consume(segment))
	}

	// The incomplete tail streams out early, except for a suffix that may
	// still grow into a fence marker.
	if !f.inFence && f.buf != "" {
		if cut := f.holdFrom(f.buf); cut > 0 {
			out.WriteString(f.buf[:cut])
			f.buf = f.buf[cut:]
		}
	}
	return out.String()
}

// Flush releases whatever is still held. Held fence content is dropped;
// Strip removes it from the persisted text the same way.
func (f *StreamFilter) Flush() string {
	out := ""
	if !f.inFence {
		out = f.buf
	}
	f.buf = ""
	return out
}

func (f *StreamFilter) consume(segment string) string {
	if f.inFence {
		if i := strings.Index(segment, "```"); i >= 0 {
			f.inFence = false
			return f.consume(segment[i+3:])
		}
		return ""
	}
	if i := strings.Index(segment, f.marker); i >= 0 {
		f.inFence = true
		return segment[:i]
	}
	return segment
}

// holdFrom returns the index from which the partial line must be held:
// either a complete marker awaiting its newline, or a trailing prefix of
// one. Everything before it is prose.
func (f *StreamFilter) holdFrom(partial string) int {
	if i := strings.Index(partial, f.marker); i >= 0 {
		return i
	}
	max := len(f.marker) - 1
	if len(partial) < max {
		max = len(partial)
	}
	for k := max; k > 0; k-- {
		if partial[len(partial)-k:] == f.marker[:k] {
			return len(partial) - k
		}
	}
	return len(partial)
}

// StreamFilter returns a filter matching this grammar's fence tag.
func (g *FencedGrammar) StreamFilter() *StreamFilter {
	return NewStreamFilter(g.tag)
}
