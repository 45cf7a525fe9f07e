// Package session implements the Session object from: one
// terminal's ring buffer, subscriber fan-out, input forwarding, and the
// small capability-set abstraction (Backend) that lets a Session be
// sidecar-backed or direct-PTY-backed without branching on which it is.
package session

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by a Backend operation the backend kind cannot
// perform — e.g. a non-interrupt Signal on a direct-PTY backend.
var ErrUnsupported = errors.New("session: operation unsupported by this backend")

// ExitEvent is delivered exactly once when a backend's child terminates.
type ExitEvent struct {
	Code   *int
	Signal *string
}

// SpawnSpec carries the parameters needed to replace a backend's child
// process, mirroring wire.SpawnPayload without importing the wire package
// into this package's public surface.
type SpawnSpec struct {
	Cmd  string
	Args []string
	Cwd  string
	Env  map[string]string
}

// Backend is the small capability set a Session operates through, so its
// read/broadcast/input-forwarding logic never branches on whether it is
// talking to a sidecar or a local PTY.
type Backend interface {
	// Read blocks for the next chunk of output bytes from the backend.
	Read(p []byte) (int, error)
	// Write forwards subscriber input bytes toward the backend.
	Write(p []byte) (int, error)
	// Resize applies new terminal dimensions.
	Resize(cols, rows int) error
	// Signal delivers a named, allow-listed signal. Direct-PTY backends
	// only support "interrupt"; anything else is ErrUnsupported.
	Signal(name string) error
	// Spawn replaces the child after it has exited. Direct-PTY backends
	// always return ErrUnsupported: there is no sidecar to ask.
	Spawn(spec SpawnSpec) error
	// Kill terminates the backend's child, escalating from terminate to
	// kill after grace has elapsed.
	Kill(grace time.Duration) error
	// Exit returns a channel that receives one ExitEvent when the child
	// terminates, and is otherwise never written to again for this backend
	// instance (a SPAWN through this package always yields a new Session).
	Exit() <-chan ExitEvent
	// ShutdownPreserve reports whether Tower shutdown should leave this
	// backend's child running (true for sidecar-backed) or kill it (false
	// for direct-PTY).
	ShutdownPreserve() bool
	// Close releases local resources (sockets, file descriptors) without
	// necessarily killing the child — used on detach, as opposed to Kill.
	Close() error
}
