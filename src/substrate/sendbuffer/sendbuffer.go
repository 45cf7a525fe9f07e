// Package sendbuffer implements a typing-aware output-side send buffer:
// messages pushed into a session by an external collaborator are queued
// rather than interleaved into a user's half-typed input, and flushed once
// the user goes idle or the message grows stale. There is no prior analog
// for this feature, since a single-writer PTY never needed it; it is
// grounded in the same bounded-queue-plus-periodic-flusher shape used
// throughout this module (session.Session.broadcast, sidecar.clientConn.writeLoop).
package sendbuffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink is the subset of session.Session the buffer needs: somewhere to
// deliver queued payloads, and the typing-activity clock that gates
// delivery. session.Session satisfies this interface directly.
//
// DeliverExternal, not Write, is used for delivery: these messages come
// from an external collaborator, not subscriber keystrokes, and must not
// reset the idle clock LastInputAt reports back.
type Sink interface {
	DeliverExternal(p []byte) (int, error)
	LastInputAt() time.Time
	IsDead() bool
}

// EnqueueResult reports whether a message was delivered immediately
// (Accepted) or queued for a later flush (Deferred).
type EnqueueResult struct {
	Accepted bool
	Deferred bool
}

type queuedMessage struct {
	payload    []byte
	enqueuedAt time.Time
}

type sessionQueue struct {
	mu       sync.Mutex
	sink     Sink
	messages []queuedMessage
}

// Config holds the buffer's tunables.
type Config struct {
	IdleThreshold time.Duration
	MaxBufferAge  time.Duration
	FlushInterval time.Duration
}

// DefaultConfig returns {idle_threshold: 3s, max_buffer_age: 60s,
// flush_interval: 500ms}.
func DefaultConfig() Config {
	return Config{
		IdleThreshold: 3 * time.Second,
		MaxBufferAge:  60 * time.Second,
		FlushInterval: 500 * time.Millisecond,
	}
}

// Buffer holds one FIFO queue per registered session and a background
// flusher that delivers queued messages once they are due.
type Buffer struct {
	cfg Config
	log *logrus.Entry

	mu     sync.RWMutex
	queues map[string]*sessionQueue

	stopCh chan struct{}
	stop   sync.Once
}

// New constructs a Buffer. Start must be called separately to run the
// periodic flusher.
func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:    cfg,
		log:    logrus.WithField("component", "sendbuffer"),
		queues: make(map[string]*sessionQueue),
		stopCh: make(chan struct{}),
	}
}

// Register associates sessionID with sink so later Enqueue calls and the
// periodic flusher can find it. Safe to call again to replace the sink
// (e.g. after a reconnect materializes a new Session for the same id).
func (b *Buffer) Register(sessionID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[sessionID]
	if !ok {
		q = &sessionQueue{}
		b.queues[sessionID] = q
	}
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

// Unregister drops sessionID's queue, discarding any undelivered messages.
// Called when a session is permanently killed.
func (b *Buffer) Unregister(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}

// Enqueue accepts a message for sessionID: an interrupt message is
// delivered immediately; otherwise it joins the session's FIFO queue for
// the flusher to pick up.
func (b *Buffer) Enqueue(sessionID string, payload []byte, interrupt bool) (EnqueueResult, error) {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return EnqueueResult{}, fmt.Errorf("sendbuffer: session %s not registered", sessionID)
	}

	if interrupt {
		q.mu.Lock()
		sink := q.sink
		q.mu.Unlock()
		if sink == nil {
			return EnqueueResult{}, fmt.Errorf("sendbuffer: session %s has no sink", sessionID)
		}
		if _, err := sink.DeliverExternal(payload); err != nil {
			return EnqueueResult{}, fmt.Errorf("sendbuffer: interrupt delivery to %s: %w", sessionID, err)
		}
		return EnqueueResult{Accepted: true, Deferred: false}, nil
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.mu.Lock()
	q.messages = append(q.messages, queuedMessage{payload: cp, enqueuedAt: time.Now()})
	q.mu.Unlock()
	return EnqueueResult{Accepted: true, Deferred: true}, nil
}

// Start runs the periodic flusher in the background until Stop is called.
func (b *Buffer) Start() {
	interval := b.cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				b.flushDue()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic flusher. Safe to call once.
func (b *Buffer) Stop() {
	b.stop.Do(func() { close(b.stopCh) })
}

// flushDue delivers every queue that has become eligible: the session has
// gone idle long enough, or its oldest message has aged past the limit.
func (b *Buffer) flushDue() {
	b.mu.RLock()
	queues := make(map[string]*sessionQueue, len(b.queues))
	for id, q := range b.queues {
		queues[id] = q
	}
	b.mu.RUnlock()

	now := time.Now()
	for id, q := range queues {
		q.mu.Lock()
		if len(q.messages) == 0 {
			q.mu.Unlock()
			continue
		}
		sink := q.sink
		if sink == nil {
			q.mu.Unlock()
			continue
		}
		if sink.IsDead() {
			b.log.WithField("session_id", id).Warn("sendbuffer: discarding queue for dead session")
			q.messages = nil
			q.mu.Unlock()
			continue
		}

		idleFor := now.Sub(sink.LastInputAt())
		oldestAge := now.Sub(q.messages[0].enqueuedAt)
		if idleFor < b.cfg.IdleThreshold && oldestAge < b.cfg.MaxBufferAge {
			q.mu.Unlock()
			continue
		}

		pending := q.messages
		q.messages = nil
		q.mu.Unlock()

		for _, m := range pending {
			if _, err := sink.DeliverExternal(m.payload); err != nil {
				b.log.WithError(err).WithField("session_id", id).Warn("sendbuffer: flush write failed")
			}
		}
	}
}

// ForceFlushAll delivers every pending message regardless of idle state,
// best-effort, for use during Tower shutdown.
func (b *Buffer) ForceFlushAll() {
	b.mu.RLock()
	queues := make(map[string]*sessionQueue, len(b.queues))
	for id, q := range b.queues {
		queues[id] = q
	}
	b.mu.RUnlock()

	for id, q := range queues {
		q.mu.Lock()
		sink := q.sink
		pending := q.messages
		q.messages = nil
		q.mu.Unlock()
		if sink == nil {
			continue
		}
		for _, m := range pending {
			if _, err := sink.DeliverExternal(m.payload); err != nil {
				b.log.WithError(err).WithField("session_id", id).Warn("sendbuffer: force-flush write failed")
			}
		}
	}
}
