package frames

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestClockStrictlyIncreasing(t *testing.T) {
	clock := NewClock()

	var prev string
	for i := 0; i < 1000; i++ {
		ts := clock.Next("session-1")
		if ts <= prev {
			t.Fatalf("Next() = %q, want > %q", ts, prev)
		}
		prev = ts
	}
}

func TestClockSameMillisecondBurst(t *testing.T) {
	frozen := time.UnixMilli(1700000000000)
	clock := newClockAt(func() time.Time { return frozen })

	issued := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		issued = append(issued, clock.Next("session-1"))
	}

	if !sort.StringsAreSorted(issued) {
		t.Fatal("timestamps issued within one millisecond are not sorted")
	}
	for i := 1; i < len(issued); i++ {
		if issued[i] == issued[i-1] {
			t.Fatalf("duplicate timestamp %q at index %d", issued[i], i)
		}
	}
}

func TestClockLexicalOrderMatchesNumeric(t *testing.T) {
	a := formatTimestamp(999, 9999)
	b := formatTimestamp(1000, 0)
	if a >= b {
		t.Fatalf("lexical order broken: %q >= %q", a, b)
	}
}

func TestClockCounterWrapCarriesIntoMillis(t *testing.T) {
	ts := formatTimestamp(1700000000000, 9999)
	bumped := bump(ts)
	if bumped != formatTimestamp(1700000000001, 0) {
		t.Fatalf("bump(%q) = %q, want carry into millisecond half", ts, bumped)
	}
	if bumped <= ts {
		t.Fatalf("bump(%q) = %q does not sort after its input", ts, bumped)
	}
}

func TestClockWallClockSkew(t *testing.T) {
	current := time.UnixMilli(1700000000000)
	clock := newClockAt(func() time.Time { return current })

	first := clock.Next("session-1")

	// Wall clock steps backwards; issued timestamps must not.
	current = time.UnixMilli(1699999999000)
	second := clock.Next("session-1")

	if second <= first {
		t.Fatalf("Next() after clock skew = %q, want > %q", second, first)
	}
}

func TestClockSessionsIndependent(t *testing.T) {
	clock := NewClock()
	a := clock.Next("session-a")
	b := clock.Next("session-b")
	if a == b {
		t.Fatalf("sessions issued identical timestamp %q", a)
	}
}

func TestClockObserve(t *testing.T) {
	clock := NewClock()
	future := formatTimestamp(9000000000000, 0)
	clock.Observe("session-1", future)

	next := clock.Next("session-1")
	if next <= future {
		t.Fatalf("Next() = %q, want > observed %q", next, future)
	}
}

func TestSplitTimestampRejectsMalformed(t *testing.T) {
	for _, ts := range []string{"", "123", "abc0000000000-0000", "0000000000000_0000"} {
		if _, _, ok := splitTimestamp(ts); ok {
			t.Fatalf("splitTimestamp(%q) accepted malformed input", ts)
		}
	}
}

func TestNewFrameID(t *testing.T) {
	seen := map[string]bool{}
	var prev string
	for i := 0; i < 100; i++ {
		id := NewFrameID()
		if !strings.HasPrefix(id, "frm_") {
			t.Fatalf("NewFrameID() = %q, want frm_ prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate frame id %q", id)
		}
		if id <= prev {
			t.Fatalf("frame ids not generation ordered: %q <= %q", id, prev)
		}
		seen[id] = true
		prev = id
	}
}
