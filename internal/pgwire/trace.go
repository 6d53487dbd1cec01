package pgwire

import "sync"

// TraceEntry records one inbound message before dispatch.
type TraceEntry struct {
	Type   byte
	Length int
}

// Trace is a bounded record of inbound messages on one connection, kept for
// debugging and test introspection. It is synchronized because tests observe
// it from outside the connection's goroutine.
type Trace struct {
	mu      sync.Mutex
	limit   int
	entries []TraceEntry
	dropped int
}

// NewTrace creates a trace holding at most limit entries.
func NewTrace(limit int) *Trace {
	return &Trace{limit: limit}
}

// Record appends one message to the trace. Once the limit is reached, the
// oldest entry is discarded and counted as dropped.
func (t *Trace) Record(msgType byte, length int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.limit {
		t.entries = t.entries[1:]
		t.dropped++
	}
	t.entries = append(t.entries, TraceEntry{Type: msgType, Length: length})
}

// Entries returns a copy of the recorded messages in arrival order.
func (t *Trace) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Dropped returns how many entries were evicted by the bound.
func (t *Trace) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// CountByType returns how many recorded messages have the given type.
func (t *Trace) CountByType(msgType byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.Type == msgType {
			n++
		}
	}
	return n
}
