package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriberQueueSize bounds each subscriber's outbound channel. A
// subscriber that cannot keep up is disconnected rather than allowed to
// block the broadcast (grounded in subscriberChanSize /
// ManagedSession.broadcast backpressure handling).
const subscriberQueueSize = 64

// Subscriber is one attached bidirectional byte consumer (a WebSocket
// connection from the HTTP handler layer, or a direct attach-CLI client).
type Subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Frames returns the channel subscribers should range over to receive
// sequenced output; the session closes it on detach.
func (s *Subscriber) Frames() <-chan []byte { return s.ch }

// Session represents one terminal inside Tower: a ring buffer, a set of
// attached subscribers, and a backend (sidecar or direct-PTY) it forwards
// input to and receives output/exit events from.
type Session struct {
	ID string

	backend Backend
	ring    *ringBuffer

	subMu       sync.RWMutex
	subscribers map[*Subscriber]struct{}

	activityMu  sync.Mutex
	lastInputAt time.Time

	deadMu    sync.Mutex
	dead      bool
	closeOnce sync.Once
	doneCh    chan struct{}

	// ExitUpward is invoked exactly once when the backend reports the
	// child has exited, so SessionManager can apply supervision policy
	//. It must not block.
	ExitUpward func(ExitEvent)

	log *logrus.Entry
}

// New wraps backend as a Session identified by id, with a ring buffer
// capacity of ringLines (typically ~100, two orders of magnitude smaller
// than the sidecar's replay buffer).
func New(id string, backend Backend, ringLines int) *Session {
	s := &Session{
		ID:          id,
		backend:     backend,
		ring:        newRingBuffer(ringLines),
		subscribers: make(map[*Subscriber]struct{}),
		lastInputAt: time.Now(),
		doneCh:      make(chan struct{}),
		log:         logrus.WithField("session_id", id),
	}
	go s.readLoop()
	go s.watchExit()
	return s
}

// readLoop is the single execution context reading backend output,
// appending to the ring buffer, and broadcasting to subscribers.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ring.append(chunk)
			s.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) watchExit() {
	select {
	case ev := <-s.backend.Exit():
		s.markDead()
		if s.ExitUpward != nil {
			s.ExitUpward(ev)
		}
	case <-s.doneCh:
	}
}

func (s *Session) markDead() {
	s.closeOnce.Do(func() {
		s.deadMu.Lock()
		s.dead = true
		s.deadMu.Unlock()
		close(s.doneCh)
	})
}

// IsDead reports whether the backend's child has exited.
func (s *Session) IsDead() bool {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	return s.dead
}

// Done returns a channel closed when the session's backend exits.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// broadcast fans a chunk out to every subscriber, disconnecting (not
// blocking on) any whose queue is saturated.
func (s *Session) broadcast(chunk []byte) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for sub := range s.subscribers {
		select {
		case sub.ch <- chunk:
		case <-sub.done:
		default:
			go s.Detach(sub)
		}
	}
}

// Attach registers a new subscriber. If afterSeq > 0, only frames with a
// higher sequence number are replayed before live data (non-browser resume
// clients); otherwise the full ring buffer is replayed (browser clients
// without custom-header support), preceded by the backend's captured replay
// when the backend has one that no earlier subscriber has consumed.
func (s *Session) Attach(afterSeq uint64) *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, subscriberQueueSize), done: make(chan struct{})}

	// Registration and replay delivery share one critical section: broadcast
	// takes subMu.RLock(), so holding the write lock until replay is queued
	// guarantees no live chunk can reach sub.ch ahead of history.
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[sub] = struct{}{}

	if afterSeq == 0 {
		if rb, ok := s.backend.(interface{ Replay() []byte }); ok {
			if data := rb.Replay(); len(data) > 0 {
				select {
				case sub.ch <- data:
				default:
				}
			}
		}
	}

	var replay []chunk
	if afterSeq > 0 {
		replay = s.ring.since(afterSeq)
	} else {
		replay = s.ring.snapshot()
	}
	for _, c := range replay {
		select {
		case sub.ch <- c.data:
		default:
		}
	}
	return sub
}

// Detach removes a subscriber. Safe to call more than once.
func (s *Session) Detach(sub *Subscriber) {
	s.subMu.Lock()
	_, present := s.subscribers[sub]
	delete(s.subscribers, sub)
	s.subMu.Unlock()
	if !present {
		return
	}
	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
	close(sub.ch)
}

// Snapshot returns the current ring buffer contents concatenated in order,
// for the substrate's GET /terminals/:id/output surface.
func (s *Session) Snapshot() []byte {
	chunks := s.ring.snapshot()
	var total int
	for _, c := range chunks {
		total += len(c.data)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.data...)
	}
	return out
}

// SubscriberCount reports how many subscribers are currently attached.
func (s *Session) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribers)
}

// Write forwards subscriber input to the backend and records typing
// activity, used by the send buffer's idle-threshold calculation.
func (s *Session) Write(p []byte) (int, error) {
	s.activityMu.Lock()
	s.lastInputAt = time.Now()
	s.activityMu.Unlock()
	return s.backend.Write(p)
}

// DeliverExternal writes a message from an external collaborator (sendbuffer
// interrupt or flush delivery) straight to the backend without touching
// lastInputAt: it is not subscriber keystrokes and must not reset the idle
// clock the send buffer's own flush policy depends on.
func (s *Session) DeliverExternal(p []byte) (int, error) {
	return s.backend.Write(p)
}

// LastInputAt returns the most recent time a subscriber data frame (not a
// control frame) was written through this session.
func (s *Session) LastInputAt() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastInputAt
}

// Resize forwards new terminal dimensions to the backend. Control frames
// like this never update LastInputAt.
func (s *Session) Resize(cols, rows int) error {
	return s.backend.Resize(cols, rows)
}

// Signal forwards a named signal to the backend.
func (s *Session) Signal(name string) error {
	return s.backend.Signal(name)
}

// Spawn asks the backend to replace its child, used by supervised
// auto-restart after an EXIT.
func (s *Session) Spawn(spec SpawnSpec) error {
	return s.backend.Spawn(spec)
}

// Kill permanently terminates the backend's child with a bounded grace
// period, then marks the session dead.
func (s *Session) Kill(grace time.Duration) error {
	err := s.backend.Kill(grace)
	s.markDead()
	return err
}

// ShutdownPreserve reports whether Tower shutdown should leave this
// session's backend running.
func (s *Session) ShutdownPreserve() bool {
	return s.backend.ShutdownPreserve()
}

// Detach-only close used on graceful Tower shutdown for sidecar-backed
// sessions: release local resources without killing the child.
func (s *Session) CloseLocal() error {
	return s.backend.Close()
}
