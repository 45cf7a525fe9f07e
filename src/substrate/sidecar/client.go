package sidecar

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/towerterm/tower/src/substrate/wire"
)

// Client is the Tower-side connection to a sidecar's Unix socket. It is used
// by the session package's sidecar-backed Backend and by the manager during
// create_session/reconnect_session.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	welcome wire.WelcomePayload

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Dial connects to a sidecar socket and performs the HELLO/WELCOME
// handshake with clientType=tower, returning once WELCOME has been
// received. The caller is responsible for reading the subsequent REPLAY
// frame and any live DATA afterward via ReadFrame.
func Dial(socketPath string, connectTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("sidecar: dial %s: %w", socketPath, err)
	}

	hello, err := wire.EncodeJSON(wire.HelloPayload{Version: wire.ProtocolVersion, ClientType: wire.ClientTower})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.TypeHello, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sidecar: send HELLO: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	f, err := wire.ReadFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sidecar: await WELCOME: %w", err)
	}
	if f.Type != wire.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("sidecar: expected WELCOME, got %s", f.Type)
	}
	var welcome wire.WelcomePayload
	if err := wire.DecodeJSON(f.Payload, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sidecar: decode WELCOME: %w", err)
	}

	return &Client{conn: conn, welcome: welcome, closedCh: make(chan struct{})}, nil
}

// Welcome returns the handshake's WELCOME payload (pid, dimensions, start time).
func (c *Client) Welcome() wire.WelcomePayload { return c.welcome }

// ReadFrame returns the next frame from the sidecar, blocking until one
// arrives. Callers should loop this from a dedicated read goroutine; it
// returns an error once the connection is closed or broken.
func (c *Client) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.conn)
}

func (c *Client) write(typ wire.FrameType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.conn, typ, payload)
}

// WriteData forwards subscriber input to the sidecar as a DATA frame.
func (c *Client) WriteData(p []byte) error {
	return c.write(wire.TypeData, p)
}

// Resize forwards a RESIZE frame.
func (c *Client) Resize(cols, rows int) error {
	payload, err := wire.EncodeJSON(wire.ResizePayload{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return c.write(wire.TypeResize, payload)
}

// Signal forwards a SIGNAL frame. name must already be allow-listed by the caller.
func (c *Client) Signal(name string) error {
	if !wire.AllowedSignals(name) {
		return fmt.Errorf("sidecar: signal %q not permitted", name)
	}
	payload, err := wire.EncodeJSON(wire.SignalPayload{Name: name})
	if err != nil {
		return err
	}
	return c.write(wire.TypeSignal, payload)
}

// Spawn forwards a SPAWN frame, used to replace a child that has exited.
func (c *Client) Spawn(params SpawnParams) error {
	payload, err := wire.EncodeJSON(wire.SpawnPayload{Cmd: params.Cmd, Args: params.Args, Cwd: params.Cwd, Env: params.Env})
	if err != nil {
		return err
	}
	return c.write(wire.TypeSpawn, payload)
}

// Ping sends a PING frame; callers expect a PONG to arrive via ReadFrame.
func (c *Client) Ping() error {
	return c.write(wire.TypePing, nil)
}

// Close closes the underlying connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closedCh)
		err = c.conn.Close()
	})
	return err
}

// Done returns a channel closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.closedCh }
