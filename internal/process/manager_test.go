package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDLifecycle(t *testing.T) {
	m := NewManager(t.TempDir())

	assert.Equal(t, 0, m.ReadPID(), "no pid file yet")
	assert.False(t, m.IsRunning())

	require.NoError(t, m.WritePID())
	assert.Equal(t, os.Getpid(), m.ReadPID())

	// The pid belongs to this test process, so it is running.
	assert.True(t, m.IsRunning())

	m.CleanupPID()
	assert.Equal(t, 0, m.ReadPID())
	assert.False(t, m.IsRunning())
}

func TestReadPID_InvalidContent(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFilename), []byte("not-a-pid"), 0600))

	m := NewManager(dir)
	assert.Equal(t, 0, m.ReadPID())
}

func TestIsRunning_StalePIDCleansUp(t *testing.T) {
	dir := t.TempDir()

	// A pid that cannot exist on Linux.
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFilename), []byte("4194304"), 0600))

	m := NewManager(dir)
	assert.False(t, m.IsRunning())
	assert.Equal(t, 0, m.ReadPID(), "stale pid file is removed")
}

func TestWaitForService(t *testing.T) {
	m := NewManager(t.TempDir())

	assert.False(t, m.WaitForService(150*time.Millisecond))

	require.NoError(t, m.WritePID())
	assert.True(t, m.WaitForService(time.Second))
}
