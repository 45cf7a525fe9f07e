package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/towerterm/tower/src/substrate/registry"
)

func openTestManager(t *testing.T) (*Manager, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "registry.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := DefaultConfig(dir)
	// "tower-sidecar-does-not-exist" always fails to spawn, forcing the
	// degraded direct-PTY path so these tests never depend on a built
	// sidecar binary.
	cfg.SidecarBinary = "tower-sidecar-does-not-exist"
	cfg.SpawnTimeout = 200 * time.Millisecond
	cfg.KillGrace = 200 * time.Millisecond
	m := New(cfg, reg)
	return m, reg, dir
}

func TestManager_CreateSessionFallsBackToDirectPTYWhenDegraded(t *testing.T) {
	m, reg, _ := openTestManager(t)
	m.cfg.DegradedRoles = map[registry.Role]bool{registry.RoleShell: true}

	sess, err := m.CreateSession(context.Background(), "sess-1", CreateParams{
		Role: registry.RoleShell,
		Cmd:  "/bin/cat",
		Cols: 80, Rows: 24,
	})
	require.NoError(t, err)
	require.NotNil(t, sess)
	t.Cleanup(func() { sess.Kill(time.Second) })

	assert.False(t, sess.ShutdownPreserve())

	d, ok, err := reg.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Persistent)
	assert.Empty(t, d.SocketPath)
}

func TestManager_CreateSessionFailsWithoutDegradedMode(t *testing.T) {
	m, _, _ := openTestManager(t)
	m.cfg.DegradedRoles = map[registry.Role]bool{} // no role allowed degraded mode

	_, err := m.CreateSession(context.Background(), "sess-1", CreateParams{
		Role: registry.RoleShell,
		Cmd:  "/bin/cat",
		Cols: 80, Rows: 24,
	})
	assert.Error(t, err)
}

func TestManager_CreateSessionRejectsInvalidDimensions(t *testing.T) {
	m, _, _ := openTestManager(t)
	_, err := m.CreateSession(context.Background(), "sess-1", CreateParams{Role: registry.RoleShell, Cmd: "/bin/cat"})
	assert.Error(t, err)
}

func TestManager_GetAndListReflectCreatedSessions(t *testing.T) {
	m, _, _ := openTestManager(t)
	m.cfg.DegradedRoles = map[registry.Role]bool{registry.RoleShell: true}

	sess, err := m.CreateSession(context.Background(), "sess-1", CreateParams{Role: registry.RoleShell, Cmd: "/bin/cat", Cols: 80, Rows: 24})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Kill(time.Second) })

	got, ok := m.Get("sess-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
}

func TestManager_KillSessionRemovesFromRegistryAndMemory(t *testing.T) {
	m, reg, _ := openTestManager(t)
	m.cfg.DegradedRoles = map[registry.Role]bool{registry.RoleShell: true}

	_, err := m.CreateSession(context.Background(), "sess-1", CreateParams{Role: registry.RoleShell, Cmd: "/bin/cat", Cols: 80, Rows: 24})
	require.NoError(t, err)

	require.NoError(t, m.KillSession("sess-1"))

	_, ok := m.Get("sess-1")
	assert.False(t, ok)
	_, ok, err = reg.Get("sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ReconnectSessionFailsOnPidStartTimeMismatch(t *testing.T) {
	m, reg, _ := openTestManager(t)
	require.NoError(t, reg.Insert(registry.Descriptor{
		SessionID:        "sess-1",
		WorkspaceKey:     "ws",
		Role:             registry.RoleShell,
		SocketPath:       "/tmp/does-not-matter.sock",
		SidecarPid:       999999,
		SidecarStartTime: "bogus",
		Cols:             80, Rows: 24,
		CreatedAt: time.Now(),
	}))

	_, err := m.ReconnectSession("sess-1")
	assert.Error(t, err)
}

func TestManager_ReconnectSessionFailsForDirectPTYDescriptor(t *testing.T) {
	m, reg, _ := openTestManager(t)
	require.NoError(t, reg.Insert(registry.Descriptor{
		SessionID:    "sess-1",
		WorkspaceKey: "ws",
		Role:         registry.RoleShell,
		Cols:         80, Rows: 24,
		CreatedAt: time.Now(),
	}))

	_, err := m.ReconnectSession("sess-1")
	assert.Error(t, err)
}

func TestManager_ReconcileIsNoOpWithNoSocketDescriptors(t *testing.T) {
	m, reg, _ := openTestManager(t)
	require.NoError(t, reg.Insert(registry.Descriptor{
		SessionID: "sess-1", WorkspaceKey: "ws", Role: registry.RoleShell,
		Cols: 80, Rows: 24, CreatedAt: time.Now(),
	}))

	assert.False(t, m.IsReconciling())
	require.NoError(t, m.Reconcile(context.Background()))
	assert.False(t, m.IsReconciling())
}

func TestManager_SweepRemovesSocketWithNoListener(t *testing.T) {
	m, _, dir := openTestManager(t)

	stale := filepath.Join(dir, "stale.sock")
	l, err := net.Listen("unix", stale)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close() // closes the listener without unlinking; file remains but refuses connections

	require.NoError(t, m.SweepStaleSockets())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_SweepSkipsActiveSessionSocket(t *testing.T) {
	m, _, dir := openTestManager(t)

	active := filepath.Join(dir, "active.sock")
	l, err := net.Listen("unix", active)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	m.mu.Lock()
	m.sessions["fake"] = &entry{descriptor: registry.Descriptor{SocketPath: active}, restart: &restartState{}}
	m.mu.Unlock()

	require.NoError(t, m.SweepStaleSockets())

	_, err = os.Stat(active)
	assert.NoError(t, err)
}

func TestManager_SweepSkipsSymlinks(t *testing.T) {
	m, _, dir := openTestManager(t)

	real := filepath.Join(dir, "real.sock")
	l, err := net.Listen("unix", real)
	require.NoError(t, err)
	l.Close()

	link := filepath.Join(dir, "link.sock")
	require.NoError(t, os.Symlink(real, link))

	require.NoError(t, m.SweepStaleSockets())

	// The symlink itself must survive; sweep refuses to follow or remove it.
	_, err = os.Lstat(link)
	assert.NoError(t, err)
}

func TestManager_ShutdownKillsDirectPTY(t *testing.T) {
	m, _, _ := openTestManager(t)
	m.cfg.DegradedRoles = map[registry.Role]bool{registry.RoleShell: true}

	sess, err := m.CreateSession(context.Background(), "sess-1", CreateParams{Role: registry.RoleShell, Cmd: "/bin/cat", Cols: 80, Rows: 24})
	require.NoError(t, err)

	m.Shutdown()

	assert.True(t, sess.IsDead())
}
