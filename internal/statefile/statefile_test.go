package statefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"amp-controller/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.yaml"))

	_, found, err := store.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SaveThenLoad(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.yaml"))
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, store.Save(models.ControllerState{LastCommandedAmps: 14, LastCommandAt: at, ConsecutiveFailures: 1}))

	state, found, err := store.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 14, state.LastCommandedAmps)
	assert.True(t, at.Equal(state.LastCommandAt))
	assert.Equal(t, 1, state.ConsecutiveFailures)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ncontroller:\n  last_amps: 3\n"), 0o600))

	_, _, err := New(path).Load()
	assert.Error(t, err)
}

func TestStore_RejectsOtherVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 7\ncontroller:\n  last_commanded_amps: 3\n"), 0o600))

	_, _, err := New(path).Load()
	assert.ErrorContains(t, err, "unsupported version")
}
