package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, key interfaces.ArtifactKey) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, key interfaces.ArtifactKey, data []byte) error {
	return m.Called(ctx, key, data).Error(0)
}

func (m *MockStorageBackend) Delete(ctx context.Context, key interfaces.ArtifactKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock:" + m.name
}

var (
	testKey    = interfaces.ArtifactKey{Type: interfaces.SessionKeyType, Owner: "vm-1", Name: "tk.sealed"}
	testSealed = []byte("SEVK\x01 sealed session")
	errBroken  = errors.New("backend broken")
)

// scriptedBackends builds one mock per code. For op ("Fetch", "Store" or
// "Delete") a code means:
//
//	"-"        never consulted
//	"down"     unavailable
//	"ok"       succeeds
//	"missing"  reports ErrContentNotFound
//	"fail"     fails with errBroken
func scriptedBackends(op string, codes ...string) []interfaces.StorageBackend {
	backends := make([]interfaces.StorageBackend, len(codes))
	for i, code := range codes {
		m := &MockStorageBackend{name: code + "-" + string(rune('a'+i))}
		backends[i] = m
		if code == "-" {
			continue
		}
		m.On("Available", mock.Anything).Return(code != "down")
		if code == "down" {
			continue
		}

		var err error
		switch code {
		case "missing":
			err = interfaces.ErrContentNotFound
		case "fail":
			err = errBroken
		}
		switch op {
		case "Fetch":
			var data []byte
			if err == nil {
				data = testSealed
			}
			m.On("Fetch", mock.Anything, testKey).Return(data, err)
		case "Store":
			m.On("Store", mock.Anything, testKey, testSealed).Return(err)
		case "Delete":
			m.On("Delete", mock.Anything, testKey).Return(err)
		}
	}
	return backends
}

func assertScript(t *testing.T, backends []interfaces.StorageBackend) {
	t.Helper()
	for _, b := range backends {
		b.(*MockStorageBackend).AssertExpectations(t)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageFetch(t *testing.T) {
	tests := []struct {
		codes   []string
		wantErr []error
	}{
		{codes: []string{"ok", "-"}},
		{codes: []string{"missing", "ok"}},
		{codes: []string{"down", "fail", "ok"}},
		{codes: []string{"missing", "missing"}, wantErr: []error{interfaces.ErrContentNotFound}},
		{codes: []string{"fail", "missing"}, wantErr: []error{errBroken}},
		{codes: []string{"down", "missing"}, wantErr: []error{interfaces.ErrBackendUnavailable}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.codes, ","), func(t *testing.T) {
			backends := scriptedBackends("Fetch", tt.codes...)
			data, err := NewMultiStorageBackend(backends, discardLogger()).Fetch(context.Background(), testKey)

			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, testSealed, data)
			} else {
				for _, want := range tt.wantErr {
					require.ErrorIs(t, err, want)
				}
				assert.Nil(t, data)
			}
			assertScript(t, backends)
		})
	}
}

func TestMultiStorageStore(t *testing.T) {
	tests := []struct {
		codes   []string
		wantErr error
	}{
		{codes: []string{"ok", "ok"}},
		{codes: []string{"fail", "ok"}},
		{codes: []string{"down", "ok"}},
		{codes: []string{"fail", "fail"}, wantErr: errBroken},
		{codes: []string{"down", "down"}, wantErr: interfaces.ErrBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.codes, ","), func(t *testing.T) {
			backends := scriptedBackends("Store", tt.codes...)
			err := NewMultiStorageBackend(backends, discardLogger()).Store(context.Background(), testKey, testSealed)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assertScript(t, backends)
		})
	}
}

func TestMultiStorageDeleteMustReachEveryBackend(t *testing.T) {
	backends := scriptedBackends("Delete", "ok", "ok")
	require.NoError(t, NewMultiStorageBackend(backends, discardLogger()).Delete(context.Background(), testKey))
	assertScript(t, backends)

	backends = scriptedBackends("Delete", "ok", "fail", "down")
	err := NewMultiStorageBackend(backends, discardLogger()).Delete(context.Background(), testKey)
	require.ErrorIs(t, err, errBroken)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assertScript(t, backends)
}

func TestMultiStorageAvailable(t *testing.T) {
	for _, tt := range []struct {
		codes []string
		want  bool
	}{
		{[]string{"ok", "ok"}, true},
		{[]string{"down", "ok"}, true},
		{[]string{"down", "down"}, false},
		{nil, false},
	} {
		backends := scriptedBackends("", tt.codes...)
		assert.Equal(t, tt.want, NewMultiStorageBackend(backends, discardLogger()).Available(context.Background()), tt.codes)
	}
}

func TestMultiStorageSurvivesLostKeystore(t *testing.T) {
	ctx := context.Background()
	primary, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)
	replica, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{primary, replica}, discardLogger())
	assert.Equal(t, "multi:["+primary.LocationURI()+","+replica.LocationURI()+"]", multi.LocationURI())
	require.NoError(t, multi.Store(ctx, testKey, testSealed))

	require.NoError(t, os.Remove(primary.filePath(testKey)))
	got, err := multi.Fetch(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, testSealed, got)

	require.NoError(t, multi.Delete(ctx, testKey))
	_, err = multi.Fetch(ctx, testKey)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
	_, err = replica.Fetch(ctx, testKey)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
