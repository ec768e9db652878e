package watchstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "watch.json"))
	require.NoError(t, err)
	require.Empty(t, s.Files)
}

func TestSetPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("/tmp/chat.jsonl", FileState{ByteOffset: 128, LastSize: 256}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, FileState{ByteOffset: 128, LastSize: 256}, reloaded.Get("/tmp/chat.jsonl"))
}

func TestAdvanceNeverDecreasesWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Advance("/tmp/chat.jsonl", 500, 500, false))
	require.NoError(t, s.Advance("/tmp/chat.jsonl", 100, 500, false))
	require.Equal(t, int64(500), s.Get("/tmp/chat.jsonl").ByteOffset)

	require.NoError(t, s.Advance("/tmp/chat.jsonl", 100, 500, true))
	require.Equal(t, int64(100), s.Get("/tmp/chat.jsonl").ByteOffset)
}
