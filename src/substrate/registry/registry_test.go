package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "registry.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleDescriptor(id string) Descriptor {
	return Descriptor{
		SessionID:        id,
		WorkspaceKey:     "ws-1",
		Role:             RoleShell,
		SocketPath:       "/tmp/" + id + ".sock",
		SidecarPid:       4242,
		SidecarStartTime: "123456",
		Cmd:              "/bin/bash",
		Args:             []string{"-l"},
		Cwd:              "/workspace",
		Env:              map[string]string{"FOO": "bar"},
		Cols:             80,
		Rows:             24,
		CreatedAt:        time.Now().Truncate(time.Second),
		Supervised:       true,
		Persistent:       true,
	}
}

func TestRegistry_InsertAndGet(t *testing.T) {
	r := openTestRegistry(t)
	d := sampleDescriptor("sess-1")
	require.NoError(t, r.Insert(d))

	got, ok, err := r.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d.WorkspaceKey, got.WorkspaceKey)
	assert.Equal(t, d.Role, got.Role)
	assert.Equal(t, d.SocketPath, got.SocketPath)
	assert.Equal(t, d.SidecarPid, got.SidecarPid)
	assert.Equal(t, d.Args, got.Args)
	assert.Equal(t, d.Env, got.Env)
	assert.True(t, got.Supervised)
	assert.True(t, got.Persistent)
}

func TestRegistry_GetMissingReturnsFalse(t *testing.T) {
	r := openTestRegistry(t)
	_, ok, err := r.Get("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_List(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Insert(sampleDescriptor("sess-1")))
	require.NoError(t, r.Insert(sampleDescriptor("sess-2")))

	all, err := r.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegistry_ListWithSocketFiltersEmpty(t *testing.T) {
	r := openTestRegistry(t)
	withSocket := sampleDescriptor("sess-1")
	noSocket := sampleDescriptor("sess-2")
	noSocket.SocketPath = ""
	require.NoError(t, r.Insert(withSocket))
	require.NoError(t, r.Insert(noSocket))

	filtered, err := r.ListWithSocket()
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "sess-1", filtered[0].SessionID)
}

func TestRegistry_UpdateDimensions(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Insert(sampleDescriptor("sess-1")))
	require.NoError(t, r.UpdateDimensions("sess-1", 120, 40))

	got, ok, err := r.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120, got.Cols)
	assert.Equal(t, 40, got.Rows)
}

func TestRegistry_Delete(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Insert(sampleDescriptor("sess-1")))
	require.NoError(t, r.Delete("sess-1"))

	_, ok, err := r.Get("sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_InsertDuplicateFails(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Insert(sampleDescriptor("sess-1")))
	err := r.Insert(sampleDescriptor("sess-1"))
	assert.Error(t, err)
}

func TestRegistry_OpenFailsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")
	lockPath := filepath.Join(dir, "registry.lock")

	r1, err := Open(dbPath, lockPath)
	require.NoError(t, err)
	defer r1.Close()

	_, err = Open(dbPath, lockPath)
	assert.Error(t, err)
}

func TestRegistry_ReopenAfterCloseSucceeds(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")
	lockPath := filepath.Join(dir, "registry.lock")

	r1, err := Open(dbPath, lockPath)
	require.NoError(t, err)
	require.NoError(t, r1.Insert(sampleDescriptor("sess-1")))
	require.NoError(t, r1.Close())

	r2, err := Open(dbPath, lockPath)
	require.NoError(t, err)
	defer r2.Close()

	got, ok, err := r2.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ws-1", got.WorkspaceKey)
}
