package statemachine

import "time"

// historyCapacity is the fixed size of the transition ring buffer.
const historyCapacity = 50

// TransitionEntry is one recorded lifecycle transition.
type TransitionEntry struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Caller    string    `json:"caller"`
	Reason    string    `json:"reason,omitempty"`
}

// History is a fixed-capacity ring buffer of transitions. Once full, the
// oldest entries are overwritten.
type History struct {
	entries []TransitionEntry
	next    int  // index the next entry will be written to
	filled  bool // true once the buffer has wrapped at least once
}

// NewHistory creates a ring buffer holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = historyCapacity
	}
	return &History{entries: make([]TransitionEntry, capacity)}
}

// Record appends an entry, overwriting the oldest once full.
func (h *History) Record(e TransitionEntry) {
	h.entries[h.next] = e
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.filled = true
	}
}

// Len returns the number of entries currently stored.
func (h *History) Len() int {
	if h.filled {
		return len(h.entries)
	}
	return h.next
}

// Recent returns the most recent min(n, stored) entries, newest first,
// walking backwards from next-1 with wraparound.
func (h *History) Recent(n int) []TransitionEntry {
	stored := h.Len()
	if n > stored {
		n = stored
	}
	if n <= 0 {
		return nil
	}

	out := make([]TransitionEntry, 0, n)
	idx := h.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx = len(h.entries) - 1
		}
		out = append(out, h.entries[idx])
		idx--
	}
	return out
}
