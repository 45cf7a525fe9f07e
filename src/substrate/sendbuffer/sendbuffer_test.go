package sendbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	lastIn  time.Time
	dead    bool
}

func newFakeSink() *fakeSink { return &fakeSink{lastIn: time.Now()} }

func (f *fakeSink) DeliverExternal(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return len(p), nil
}

func (f *fakeSink) LastInputAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIn
}

func (f *fakeSink) setLastInput(t time.Time) {
	f.mu.Lock()
	f.lastIn = t
	f.mu.Unlock()
}

func (f *fakeSink) IsDead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

func (f *fakeSink) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestSendBuffer_InterruptDeliversImmediately(t *testing.T) {
	b := New(DefaultConfig())
	sink := newFakeSink()
	b.Register("s1", sink)

	res, err := b.Enqueue("s1", []byte("urgent"), true)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Deferred)
	assert.Equal(t, 1, sink.writtenCount())
}

func TestSendBuffer_NonInterruptIsDeferred(t *testing.T) {
	b := New(DefaultConfig())
	sink := newFakeSink()
	b.Register("s1", sink)

	res, err := b.Enqueue("s1", []byte("msg"), false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Deferred)
	assert.Equal(t, 0, sink.writtenCount())
}

func TestSendBuffer_EnqueueUnregisteredSessionFails(t *testing.T) {
	b := New(DefaultConfig())
	_, err := b.Enqueue("ghost", []byte("msg"), false)
	assert.Error(t, err)
}

func TestSendBuffer_FlushesAfterIdleThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = 20 * time.Millisecond
	cfg.MaxBufferAge = time.Hour
	cfg.FlushInterval = 10 * time.Millisecond
	b := New(cfg)
	defer b.Stop()

	sink := newFakeSink()
	sink.setLastInput(time.Now().Add(-time.Hour)) // already idle
	b.Register("s1", sink)
	b.Start()

	_, err := b.Enqueue("s1", []byte("msg"), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.writtenCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendBuffer_FlushesAfterMaxBufferAgeEvenIfActive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = time.Hour
	cfg.MaxBufferAge = 20 * time.Millisecond
	cfg.FlushInterval = 10 * time.Millisecond
	b := New(cfg)
	defer b.Stop()

	sink := newFakeSink() // LastInputAt == now, i.e. actively typing
	b.Register("s1", sink)
	b.Start()

	_, err := b.Enqueue("s1", []byte("msg"), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.writtenCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendBuffer_DeadSessionDiscardsQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleThreshold = 5 * time.Millisecond
	cfg.FlushInterval = 5 * time.Millisecond
	b := New(cfg)
	defer b.Stop()

	sink := newFakeSink()
	sink.dead = true
	b.Register("s1", sink)
	b.Start()

	_, err := b.Enqueue("s1", []byte("msg"), false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.writtenCount())
}

func TestSendBuffer_ForceFlushAllDeliversRegardlessOfIdleState(t *testing.T) {
	b := New(DefaultConfig())
	sink := newFakeSink() // actively typing, would not normally flush yet
	b.Register("s1", sink)

	_, err := b.Enqueue("s1", []byte("msg"), false)
	require.NoError(t, err)

	b.ForceFlushAll()
	assert.Equal(t, 1, sink.writtenCount())
}

func TestSendBuffer_UnregisterDropsQueue(t *testing.T) {
	b := New(DefaultConfig())
	sink := newFakeSink()
	b.Register("s1", sink)
	b.Unregister("s1")

	_, err := b.Enqueue("s1", []byte("msg"), false)
	assert.Error(t, err)
}
