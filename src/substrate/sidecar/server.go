// Package sidecar implements the sidecar process: it owns one PTY and one
// child process, serves a framed bidirectional stream over a Unix socket to
// any number of attached clients, and decouples the child's lifetime from
// the Tower process's lifetime.
//
// The broadcast and subscriber-fan-out shape is grounded in
// terminal/session_manager.go (ManagedSession.broadcast / Subscribe), and
// PTY ownership is grounded in terminal/terminal.go, adapted from
// pty.StartWithSize (one-shot) to pty.Open (a PTY pair that survives a
// SPAWN replacing the child).
package sidecar

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/towerterm/tower/src/substrate/linebuf"
	"github.com/towerterm/tower/src/substrate/wire"
)

// replayLineMultiple is how many times larger the sidecar's replay buffer is
// than the Tower-side session ring buffer.
const replayLineMultiple = 10

// Config carries the parameters needed to start a sidecar server.
type Config struct {
	SocketPath       string
	SessionRingLines int // Tower's ring buffer capacity; replay buffer is sized relative to this.
	Cols, Rows       int
	InitialSpawn     SpawnParams
}

// Server is a running sidecar: one PTY-attached child, one Unix socket
// listener, and the set of currently attached clients.
type Server struct {
	cfg      Config
	listener *net.UnixListener
	child    *child
	replay   *linebuf.Buffer

	mu          sync.Mutex
	clients     map[*clientConn]struct{}
	towerClient *clientConn

	log *logrus.Entry

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates the PTY and socket for a sidecar but does not yet accept
// connections or launch the child; call Run for that.
func New(cfg Config) (*Server, error) {
	if cfg.Cols == 0 {
		cfg.Cols = wire.DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = wire.DefaultRows
	}
	if cfg.SessionRingLines <= 0 {
		cfg.SessionRingLines = 200
	}

	c, err := newChild(cfg.Cols, cfg.Rows)
	if err != nil {
		return nil, err
	}

	ln, err := listen(cfg.SocketPath)
	if err != nil {
		c.close()
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		listener:   ln,
		child:      c,
		replay:     linebuf.New(cfg.SessionRingLines * replayLineMultiple),
		clients:    make(map[*clientConn]struct{}),
		log:        logrus.WithField("socket_path", cfg.SocketPath),
		shutdownCh: make(chan struct{}),
	}
	return s, nil
}

// listen creates a Unix socket with owner-only permissions, removing any
// stale socket file left at the same path first.
func listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("sidecar: resolve socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("sidecar: listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("sidecar: chmod socket: %w", err)
	}
	return ln, nil
}

// Run launches the initial child, starts the PTY reader, and accepts client
// connections until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	if err := s.child.spawn(s.cfg.InitialSpawn); err != nil {
		return fmt.Errorf("sidecar: initial spawn: %w", err)
	}
	go s.readPTY()
	go s.watchExit()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return nil
			default:
				return fmt.Errorf("sidecar: accept: %w", err)
			}
		}
		cc := newClientConn(conn)
		s.mu.Lock()
		s.clients[cc] = struct{}{}
		s.mu.Unlock()
		go s.serveClient(cc)
	}
}

// readPTY is the single execution context reading PTY output. It appends to
// the replay buffer and fans DATA frames out to every handshake-complete
// client.
func (s *Server) readPTY() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.child.read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.replay.Append(chunk)
			s.broadcast(wire.TypeData, chunk)
		}
		if err != nil {
			return
		}
	}
}

// watchExit waits on the current child generation and broadcasts EXIT when
// it terminates. It re-arms itself after each SPAWN so a replacement child
// is watched in turn.
func (s *Server) watchExit() {
	for {
		ch := s.child.done()
		if ch == nil {
			return
		}
		res, ok := <-ch
		if !ok {
			return
		}
		payload, err := wire.EncodeJSON(wire.ExitPayload{Code: res.code, Signal: res.signal})
		if err == nil {
			s.broadcast(wire.TypeExit, payload)
		}
		s.log.WithFields(logrus.Fields{
			"code":   derefInt(res.code),
			"signal": derefStr(res.signal),
		}).Info("child exited")

		// Wait for either shutdown or the next SPAWN to start a new
		// generation before re-arming on its exitCh; otherwise we'd busy
		// loop on the already-drained channel from the generation that
		// just exited.
		select {
		case <-s.shutdownCh:
			return
		case <-s.child.waitNextGeneration():
		}
	}
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// broadcast fans a frame out to every handshake-complete client, dropping
// (disconnecting) any client whose outbound queue is saturated rather than
// blocking on it.
func (s *Server) broadcast(typ wire.FrameType, payload []byte) {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for cc := range s.clients {
		if cc.helloDone() {
			targets = append(targets, cc)
		}
	}
	s.mu.Unlock()

	for _, cc := range targets {
		if !cc.enqueue(typ, payload) {
			s.disconnectClient(cc)
		}
	}
}

func (s *Server) disconnectClient(cc *clientConn) {
	s.mu.Lock()
	delete(s.clients, cc)
	if s.towerClient == cc {
		s.towerClient = nil
	}
	s.mu.Unlock()
	cc.close()
}

// Shutdown closes all client sockets, terminates the child with a bounded
// grace period, and unlinks the socket file.
func (s *Server) Shutdown(grace time.Duration) {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.listener.Close()

		s.mu.Lock()
		clients := make([]*clientConn, 0, len(s.clients))
		for cc := range s.clients {
			clients = append(clients, cc)
		}
		s.clients = make(map[*clientConn]struct{})
		s.towerClient = nil
		s.mu.Unlock()
		for _, cc := range clients {
			cc.close()
		}

		if s.child.isRunning() {
			s.child.signal(wire.SignalTerminate)
			done := s.child.done()
			select {
			case <-done:
			case <-time.After(grace):
				s.child.signal(wire.SignalKill)
			}
		}
		s.child.close()
		_ = os.Remove(s.cfg.SocketPath)
	})
}
