package sidecar

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/towerterm/tower/src/substrate/wire"
)

func startTestServer(t *testing.T, cmd string, args []string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "sidecar.sock")

	srv, err := New(Config{
		SocketPath:       sockPath,
		SessionRingLines: 20,
		Cols:             80,
		Rows:             24,
		InitialSpawn:     SpawnParams{Cmd: cmd, Args: args},
	})
	require.NoError(t, err)

	go srv.Run()
	t.Cleanup(func() { srv.Shutdown(500 * time.Millisecond) })

	waitForSocket(t, sockPath)
	return srv, sockPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func dialAndHello(t *testing.T, sockPath string, role wire.ClientType) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	hello, err := wire.EncodeJSON(wire.HelloPayload{Version: wire.ProtocolVersion, ClientType: role})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.TypeHello, hello))

	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.TypeWelcome, f.Type)

	return conn
}

func TestSocketHasOwnerOnlyPermissions(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestHelloWelcomeHandshake(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	conn := dialAndHello(t, sockPath, wire.ClientTower)
	defer conn.Close()
}

func TestPreHelloFramesAreDropped(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	// DATA sent before HELLO must be silently dropped: cat should echo
	// nothing back because the bytes never reached the PTY.
	require.NoError(t, wire.WriteFrame(conn, wire.TypeData, []byte("should-be-ignored\n")))

	// Now complete the handshake and confirm no stray echo arrives ahead of
	// the WELCOME frame.
	hello, err := wire.EncodeJSON(wire.HelloPayload{Version: wire.ProtocolVersion, ClientType: wire.ClientTerminal})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.TypeHello, hello))

	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.TypeWelcome, f.Type)
}

func TestDataEchoesThroughPTY(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	conn := dialAndHello(t, sockPath, wire.ClientTerminal)
	defer conn.Close()

	// A fresh PTY has no replay content yet.
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.TypeReplay, f.Type)

	require.NoError(t, wire.WriteFrame(conn, wire.TypeData, []byte("hello\n")))

	data := readUntilType(t, conn, wire.TypeData, 3*time.Second)
	require.Contains(t, string(data), "hello")
}

func TestTowerDisplacesPreviousTowerClient(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	first := dialAndHello(t, sockPath, wire.ClientTower)
	defer first.Close()
	drainReplay(t, first)

	second := dialAndHello(t, sockPath, wire.ClientTower)
	defer second.Close()

	// The first tower connection should observe closure (EOF) since a new
	// tower client displaces it.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wire.ReadFrame(first)
	require.Error(t, err)
}

func TestTerminalClientCannotSendSignal(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/sh", []string{"-c", "sleep 30"})
	conn := dialAndHello(t, sockPath, wire.ClientTerminal)
	defer conn.Close()
	drainReplay(t, conn)

	sig, err := wire.EncodeJSON(wire.SignalPayload{Name: wire.SignalTerminate})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.TypeSignal, sig))

	// No EXIT should arrive promptly: a terminal-role SIGNAL is ignored.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = wire.ReadFrame(conn)
	require.Error(t, err, "expected a read timeout, not an EXIT frame")
}

func TestTowerSignalTerminateProducesExit(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/sh", []string{"-c", "sleep 30"})
	conn := dialAndHello(t, sockPath, wire.ClientTower)
	defer conn.Close()
	drainReplay(t, conn)

	sig, err := wire.EncodeJSON(wire.SignalPayload{Name: wire.SignalTerminate})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.TypeSignal, sig))

	payload := readUntilType(t, conn, wire.TypeExit, 3*time.Second)
	var exit wire.ExitPayload
	require.NoError(t, wire.DecodeJSON(payload, &exit))
}

func TestPingPong(t *testing.T) {
	_, sockPath := startTestServer(t, "/bin/cat", nil)
	conn := dialAndHello(t, sockPath, wire.ClientTerminal)
	defer conn.Close()
	drainReplay(t, conn)

	require.NoError(t, wire.WriteFrame(conn, wire.TypePing, nil))
	readUntilType(t, conn, wire.TypePong, 2*time.Second)
}

func drainReplay(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.TypeReplay, f.Type)
	conn.SetReadDeadline(time.Time{})
}

// readUntilType reads frames until one matches want, ignoring others
// (WELCOME/REPLAY noise already consumed by the caller).
func readUntilType(t *testing.T, conn net.Conn, want wire.FrameType, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		f, err := wire.ReadFrame(conn)
		require.NoError(t, err)
		if f.Type == want {
			return f.Payload
		}
	}
}
