package linebuf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_AppendAndSnapshot(t *testing.T) {
	b := New(10)
	b.Append([]byte("line1\n"))
	b.Append([]byte("line2\n"))
	assert.Equal(t, "line1\nline2\n", string(b.Snapshot()))
}

func TestBuffer_EmptySnapshotIsNil(t *testing.T) {
	b := New(10)
	assert.Nil(t, b.Snapshot())
}

func TestBuffer_TruncatesAtLineBoundary(t *testing.T) {
	b := New(2)
	for i := 1; i <= 5; i++ {
		b.Append([]byte(fmt.Sprintf("line%d\n", i)))
	}
	// Only the most recent 2 lines survive, and the cut lands exactly on a
	// newline boundary (no partial line at the start of the snapshot).
	assert.Equal(t, "line4\nline5\n", string(b.Snapshot()))
}

func TestBuffer_TrailingUnterminatedLineIsNotCountedUntilNewline(t *testing.T) {
	b := New(1)
	b.Append([]byte("line1\n"))
	b.Append([]byte("partial-no-newline"))
	// The trailing partial line has no newline yet, so it does not push the
	// buffer over its one-line capacity and is preserved alongside line1.
	got := string(b.Snapshot())
	assert.Contains(t, got, "line1")
	assert.Contains(t, got, "partial-no-newline")
}

func TestBuffer_Reset(t *testing.T) {
	b := New(10)
	b.Append([]byte("hello\n"))
	b.Reset()
	assert.Nil(t, b.Snapshot())
}

func TestBuffer_SnapshotIsACopy(t *testing.T) {
	b := New(10)
	b.Append([]byte("abc\n"))
	snap := b.Snapshot()
	snap[0] = 'z'
	assert.Equal(t, "abc\n", string(b.Snapshot()))
}
