package procinfo

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAlive_CurrentProcess(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
}

func TestIsAlive_InvalidPid(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestIsAlive_NonexistentPid(t *testing.T) {
	// A pid this large is very unlikely to be in use on any test host.
	assert.False(t, IsAlive(1<<30))
}

func TestStartTime_CurrentProcess(t *testing.T) {
	st, err := StartTime(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, st)
}

func TestStartTime_Stable(t *testing.T) {
	a, err := StartTime(os.Getpid())
	require.NoError(t, err)
	b, err := StartTime(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, a, b, "start time must be stable across reads for the same process")
}

func TestSameProcess_MatchesOwnStartTime(t *testing.T) {
	st, err := StartTime(os.Getpid())
	require.NoError(t, err)
	assert.True(t, SameProcess(os.Getpid(), st))
	assert.False(t, SameProcess(os.Getpid(), "not-the-real-start-time"))
}

func TestSameProcess_DeadPid(t *testing.T) {
	assert.False(t, SameProcess(1<<30, "0"))
}

func TestParsePid(t *testing.T) {
	pid, err := ParsePid("1234\n")
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	_, err = ParsePid("not-a-pid")
	assert.Error(t, err)

	_, err = ParsePid("0")
	assert.Error(t, err)

	_, err = ParsePid("-5")
	assert.Error(t, err)
}

func TestReapIfZombie_NotOurChild(t *testing.T) {
	// pid 1 is never our child in a test sandbox; Wait4 should fail with
	// ECHILD and we report "not reaped" rather than erroring.
	_, reaped := ReapIfZombie(1)
	assert.False(t, reaped)
}
