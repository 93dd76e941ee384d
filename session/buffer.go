package session

import (
	"sync"
	"time"

	"github.com/nekocode/agent-team/protocol"
)

// OutputRingBuffer is the bounded, ordered session history. Appends assign
// strictly increasing sequence numbers that never reset; on overflow the
// oldest entry is dropped. All methods are safe for concurrent use and
// readers always observe whole entries in insertion order.
type OutputRingBuffer struct {
	mu       sync.Mutex
	entries  []protocol.OutputEntry
	capacity int
	lastSeq  uint64
}

// NewOutputRingBuffer creates a buffer holding at most capacity entries.
func NewOutputRingBuffer(capacity int) *OutputRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutputRingBuffer{
		entries:  make([]protocol.OutputEntry, 0, capacity),
		capacity: capacity,
	}
}

// Append stores the entry, assigning its sequence number and stamping the
// time if unset. The completed entry is returned.
func (b *OutputRingBuffer) Append(entry protocol.OutputEntry) protocol.OutputEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeq++
	entry.Seq = b.lastSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if len(b.entries) >= b.capacity {
		// Shift rather than reslice so the backing array does not grow
		// past capacity.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, entry)
	return entry
}

// Tail returns the last n entries in insertion order. n <= 0 means
// everything still buffered; n past the buffered count clamps.
func (b *OutputRingBuffer) Tail(n int) []protocol.OutputEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyTail(b.entries, n)
}

// TailFiltered is Tail with agentOnly retaining only agent prose
// (messages and thoughts); the last n are selected after filtering.
func (b *OutputRingBuffer) TailFiltered(n int, agentOnly bool) []protocol.OutputEntry {
	if !agentOnly {
		return b.Tail(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]protocol.OutputEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Kind.IsAgentText() {
			filtered = append(filtered, e)
		}
	}
	return copyTail(filtered, n)
}

// LatestOfKinds returns the most recent entry whose kind is in the set, or
// nil. Answers "what was the last agent reply?" after a prompt.
func (b *OutputRingBuffer) LatestOfKinds(kinds ...protocol.OutputType) *protocol.OutputEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.entries) - 1; i >= 0; i-- {
		for _, kind := range kinds {
			if b.entries[i].Kind == kind {
				entry := b.entries[i]
				return &entry
			}
		}
	}
	return nil
}

// Clear drops all entries. The sequence counter is not reset.
func (b *OutputRingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// Len returns the number of buffered entries.
func (b *OutputRingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func copyTail(entries []protocol.OutputEntry, n int) []protocol.OutputEntry {
	if n > 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	out := make([]protocol.OutputEntry, len(entries))
	copy(out, entries)
	return out
}
