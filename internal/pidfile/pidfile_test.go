package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenr.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	_, err = Acquire(path)
	require.Error(t, err, "a second acquire while our own pid holds the lock should fail")

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireOverwritesStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenr.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
