// Package linebuf implements a byte buffer bounded by line count rather than
// byte count, truncating at the nearest newline boundary on overflow so a
// replay never starts mid-escape-sequence. This generalizes the ManagedSession
// buffer (session_manager.go), which bounds by raw byte count instead; both
// the sidecar replay buffer and the Tower-side ring buffer need line-count
// bounds instead.
package linebuf

import "sync"

// Buffer is a line-bounded, append-only byte buffer safe for concurrent use.
// One execution context appends (the PTY/backend reader); any number of
// others call Snapshot concurrently.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	maxLines int
	lines    int
}

// New returns a Buffer retaining at most maxLines lines of output.
func New(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = 1
	}
	return &Buffer{data: make([]byte, 0, 4096), maxLines: maxLines}
}

// Append adds data to the buffer, trimming from the front at a line boundary
// if the line count now exceeds capacity.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, data...)
	b.lines += countNewlines(data)
	b.trim()
}

// Snapshot returns a copy of the buffer's current contents.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Reset clears the buffer, used when a SPAWN replaces the child and stale
// replay content would otherwise confuse a freshly attached client.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.lines = 0
}

func (b *Buffer) trim() {
	if b.lines <= b.maxLines || len(b.data) == 0 {
		return
	}
	excessLines := b.lines - b.maxLines
	idx := findNthNewline(b.data, excessLines)
	if idx < 0 {
		// Fewer newlines than expected (trailing unterminated line); drop
		// everything rather than cut mid-line.
		b.data = b.data[:0]
		b.lines = 0
		return
	}
	b.data = b.data[idx+1:]
	b.lines = b.maxLines
}

func countNewlines(data []byte) int {
	n := 0
	for _, c := range data {
		if c == '\n' {
			n++
		}
	}
	return n
}

// findNthNewline returns the index of the nth (1-indexed) newline in data,
// or -1 if there are fewer than n.
func findNthNewline(data []byte, n int) int {
	if n <= 0 {
		return -1
	}
	count := 0
	for i, c := range data {
		if c == '\n' {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}
