package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsZero(t *testing.T) {
	snap, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, snap.DesiredRunning)
	assert.Zero(t, snap.CrashCount)
}

func TestStorePersists(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)

	started := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	code := 137
	require.NoError(t, st.Update(func(s *Snapshot) {
		s.DesiredRunning = true
		s.LastStart = &started
		s.LastExitCode = &code
		s.CrashCount++
	}))

	again, err := Open(dir)
	require.NoError(t, err)
	got := again.Get()
	assert.True(t, got.DesiredRunning)
	assert.Equal(t, 1, got.CrashCount)
	require.NotNil(t, got.LastExitCode)
	assert.Equal(t, 137, *got.LastExitCode)
	assert.True(t, started.Equal(*got.LastStart))

	_, err = os.Stat(filepath.Join(dir, "lifecycle.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lifecycle.json"), []byte("{"), 0o644))
	_, err := Open(dir)
	assert.Error(t, err)
}
