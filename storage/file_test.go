package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := filepath.Join(t.TempDir(), "store")
	backend, err := NewFileBackend(dir, logger)
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	key, err := interfaces.NewArtifactKey(interfaces.SessionKeyType, "vm-1", "tk.sealed")
	require.NoError(t, err)

	_, err = backend.Fetch(ctx, key)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, key, []byte("v1")))
	require.NoError(t, backend.Store(ctx, key, []byte("v2")))

	data, err := backend.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	path := filepath.Join(dir, "session-keys", "vm-1", "tk.sealed")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(backend.Dir(interfaces.SessionKeyType, "vm-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	require.NoError(t, backend.Delete(ctx, key))
	require.NoError(t, backend.Delete(ctx, key))
	_, err = backend.Fetch(ctx, key)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
