package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/towerterm/tower/src/substrate/sidecar"
	"github.com/towerterm/tower/src/substrate/wire"
)

// SidecarBackend forwards Session operations to a sidecar over its Unix
// socket. It owns a background goroutine that demultiplexes the sidecar's
// frames into a DATA stream (consumed via Read) and an EXIT event.
type SidecarBackend struct {
	client *sidecar.Client

	dataMu  sync.Mutex
	dataBuf []byte
	dataCh  chan []byte

	exitCh   chan ExitEvent
	exitOnce sync.Once

	replayOnce sync.Once
	replay     []byte
}

// NewSidecarBackend wraps an already-handshaken sidecar.Client. If the
// client's next frame is a REPLAY (the normal case right after Dial), it is
// captured so the Session can surface it to the first subscriber that
// attaches without a resume sequence.
func NewSidecarBackend(client *sidecar.Client) *SidecarBackend {
	b := &SidecarBackend{
		client: client,
		dataCh: make(chan []byte, 256),
		exitCh: make(chan ExitEvent, 1),
	}
	go b.pump()
	return b
}

// Replay returns the sidecar's one-shot REPLAY payload captured at attach
// time, or nil if none has arrived yet (or already been consumed).
func (b *SidecarBackend) Replay() []byte {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	r := b.replay
	b.replay = nil
	return r
}

// pump reads frames from the sidecar client until the connection closes,
// routing DATA to dataCh, REPLAY to the one-shot replay slot, and EXIT to
// exitCh. RESIZE/SIGNAL/SPAWN/HELLO/WELCOME/PING/PONG are not expected on
// this direction of the connection and are ignored if seen.
func (b *SidecarBackend) pump() {
	defer close(b.dataCh)
	for {
		f, err := b.client.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case wire.TypeReplay:
			b.dataMu.Lock()
			b.replay = f.Payload
			b.dataMu.Unlock()
		case wire.TypeData:
			select {
			case b.dataCh <- f.Payload:
			default:
				// Session's Read loop is not keeping up; drop rather than
				// block the demultiplexer (the ring buffer already has the
				// authoritative history for replay).
			}
		case wire.TypeExit:
			var ep wire.ExitPayload
			if err := wire.DecodeJSON(f.Payload, &ep); err == nil {
				b.exitOnce.Do(func() {
					b.exitCh <- ExitEvent{Code: ep.Code, Signal: ep.Signal}
				})
			}
		default:
			// PONG and any forward-compatible type: ignore.
		}
	}
}

// Read returns the next DATA chunk from the sidecar. It is not a streaming
// io.Reader in the classic sense (chunk boundaries are preserved, never
// split across calls) since Session always forwards whole chunks onward.
func (b *SidecarBackend) Read(p []byte) (int, error) {
	chunk, ok := <-b.dataCh
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}

func (b *SidecarBackend) Write(p []byte) (int, error) {
	if err := b.client.WriteData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *SidecarBackend) Resize(cols, rows int) error {
	return b.client.Resize(cols, rows)
}

func (b *SidecarBackend) Signal(name string) error {
	return b.client.Signal(name)
}

func (b *SidecarBackend) Spawn(spec SpawnSpec) error {
	return b.client.Spawn(sidecar.SpawnParams{Cmd: spec.Cmd, Args: spec.Args, Cwd: spec.Cwd, Env: spec.Env})
}

func (b *SidecarBackend) Kill(grace time.Duration) error {
	if err := b.client.Signal(wire.SignalTerminate); err != nil {
		return fmt.Errorf("session: signal terminate: %w", err)
	}
	select {
	case <-b.exitCh:
		return nil
	case <-time.After(grace):
	}
	return b.client.Signal(wire.SignalKill)
}

func (b *SidecarBackend) Exit() <-chan ExitEvent { return b.exitCh }

// ShutdownPreserve is always true: sidecar-backed sessions survive Tower
// shutdown by design.
func (b *SidecarBackend) ShutdownPreserve() bool { return true }

func (b *SidecarBackend) Close() error {
	return b.client.Close()
}
