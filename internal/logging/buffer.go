package logging

import (
	"sync"
	"time"
)

// LogEntry is one record kept for the logs API.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the newest entries up to a fixed capacity.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int // slot the next Write fills
	full    bool
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write stores entry, evicting the oldest one when the buffer is full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}
}

// Len returns the number of stored entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return len(rb.entries)
	}
	return rb.next
}

// ReadAll returns every stored entry, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.ReadRecent(0, "")
}

// ReadRecent returns up to n of the newest entries, oldest first. n <= 0
// means no limit. A non-empty module keeps only that module's entries.
func (rb *RingBuffer) ReadRecent(n int, module string) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	stored := rb.next
	if rb.full {
		stored = len(rb.entries)
	}

	// Walk backwards from the newest entry, then reverse.
	var out []LogEntry
	for i := 1; i <= stored; i++ {
		if n > 0 && len(out) == n {
			break
		}
		idx := (rb.next - i + len(rb.entries)) % len(rb.entries)
		if module != "" && rb.entries[idx].Module != module {
			continue
		}
		out = append(out, rb.entries[idx])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
