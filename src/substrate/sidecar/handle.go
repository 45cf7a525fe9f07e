package sidecar

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/towerterm/tower/src/substrate/wire"
)

// serveClient reads frames from one accepted connection until it errs out or
// the server shuts down. Frames received before a successful HELLO are
// silently dropped.
func (s *Server) serveClient(cc *clientConn) {
	defer s.disconnectClient(cc)

	r := wire.NewReader(cc.conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("client connection read error")
			}
			return
		}
		s.handleFrame(cc, f)
	}
}

func (s *Server) handleFrame(cc *clientConn, f wire.Frame) {
	if !cc.helloDone() {
		if f.Type == wire.TypeHello {
			s.handleHello(cc, f)
		}
		// Any other frame from a pre-HELLO client is silently dropped.
		return
	}

	switch f.Type {
	case wire.TypeData:
		s.child.write(f.Payload)
	case wire.TypeResize:
		s.handleResize(f)
	case wire.TypeSignal:
		if cc.role == wire.ClientTower {
			s.handleSignal(f)
		}
	case wire.TypeSpawn:
		if cc.role == wire.ClientTower {
			s.handleSpawn(f)
		}
	case wire.TypePing:
		cc.enqueue(wire.TypePong, nil)
	default:
		// Unknown frame type: ignore, forward-compatible.
	}
}

func (s *Server) handleHello(cc *clientConn, f wire.Frame) {
	var hello wire.HelloPayload
	if err := wire.DecodeJSON(f.Payload, &hello); err != nil {
		s.log.WithError(err).Warn("malformed HELLO")
		return
	}

	role := hello.ClientType
	if role != wire.ClientTower && role != wire.ClientTerminal {
		role = wire.ClientTerminal
	}

	if role == wire.ClientTower {
		s.mu.Lock()
		prev := s.towerClient
		s.towerClient = cc
		s.mu.Unlock()
		if prev != nil && prev != cc {
			s.disconnectClient(prev)
		}
	}

	// WELCOME and REPLAY must land on cc.out before markHelloDone makes cc a
	// target of broadcast; otherwise a concurrent write from the child could
	// be enqueued ahead of the replay snapshot.
	pid, startTime := s.child.identity()
	cols, rows := s.child.dimensions()
	welcome, err := wire.EncodeJSON(wire.WelcomePayload{
		Pid:       pid,
		Cols:      cols,
		Rows:      rows,
		StartTime: startTime,
	})
	if err != nil {
		return
	}
	cc.enqueue(wire.TypeWelcome, welcome)

	cc.enqueue(wire.TypeReplay, s.replay.Snapshot())

	cc.markHelloDone(role)
}

func (s *Server) handleResize(f wire.Frame) {
	var resize wire.ResizePayload
	if err := wire.DecodeJSON(f.Payload, &resize); err != nil {
		return
	}
	if resize.Cols <= 0 || resize.Rows <= 0 {
		return
	}
	if err := s.child.resize(resize.Cols, resize.Rows); err != nil {
		s.log.WithError(err).Warn("resize failed")
	}
}

func (s *Server) handleSignal(f wire.Frame) {
	var sig wire.SignalPayload
	if err := wire.DecodeJSON(f.Payload, &sig); err != nil {
		return
	}
	if !wire.AllowedSignals(sig.Name) {
		return
	}
	if err := s.child.signal(sig.Name); err != nil {
		s.log.WithFields(logrus.Fields{"signal": sig.Name}).WithError(err).Debug("signal delivery failed")
	}
}

func (s *Server) handleSpawn(f wire.Frame) {
	var req wire.SpawnPayload
	if err := wire.DecodeJSON(f.Payload, &req); err != nil {
		return
	}
	if s.child.isRunning() {
		// SPAWN is only meaningful after EXIT; ignored while the child is alive.
		return
	}

	s.replay.Reset()
	if err := s.child.spawn(SpawnParams{Cmd: req.Cmd, Args: req.Args, Cwd: req.Cwd, Env: req.Env}); err != nil {
		code := 1
		payload, encErr := wire.EncodeJSON(wire.ExitPayload{Code: &code})
		if encErr == nil {
			s.broadcast(wire.TypeExit, payload)
		}
		s.log.WithError(err).Error("spawn failed")
	}
}
