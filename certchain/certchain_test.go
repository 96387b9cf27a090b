package certchain_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/platformsim"
	"github.com/ruteri/sev-guest-owner/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPlatform(t *testing.T) *platformsim.Platform {
	t.Helper()
	p, err := platformsim.New(platformsim.DefaultOptions())
	require.NoError(t, err)
	return p
}

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, dir string) (bool, error) {
	args := m.Called(ctx, dir)
	return args.Bool(0), args.Error(1)
}

func TestArchiveRoundTrip(t *testing.T) {
	files := map[string][]byte{"pdh.cert": []byte("pdh"), "pek.cert": bytes.Repeat([]byte{7}, 4096)}
	archive, err := certchain.BuildArchive(files)
	require.NoError(t, err)

	again, err := certchain.BuildArchive(files)
	require.NoError(t, err)
	assert.Equal(t, archive, again, "archives must be deterministic")

	extracted, err := certchain.ExtractArchive(archive)
	require.NoError(t, err)
	assert.Equal(t, files, extracted)
}

func TestExtractArchiveRejectsUnsafeEntries(t *testing.T) {
	build := func(names ...string) []byte {
		var buf bytes.Buffer
		w := zip.NewWriter(&buf)
		for _, name := range names {
			f, err := w.Create(name)
			require.NoError(t, err)
			f.Write([]byte("x"))
		}
		require.NoError(t, w.Close())
		return buf.Bytes()
	}

	for _, name := range []string{"../pdh.cert", "sub/pdh.cert", "/etc/passwd", `..\pdh.cert`} {
		_, err := certchain.ExtractArchive(build(name))
		assert.ErrorIs(t, err, interfaces.ErrEncoding, name)
	}

	_, err := certchain.ExtractArchive(build("a", "a"))
	assert.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = certchain.ExtractArchive([]byte("not a zip"))
	assert.ErrorIs(t, err, interfaces.ErrEncoding)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("big")
	require.NoError(t, err)
	f.Write(make([]byte, certchain.MaxArchiveSize+1))
	require.NoError(t, w.Close())
	_, err = certchain.ExtractArchive(buf.Bytes())
	assert.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestBundleValidate(t *testing.T) {
	platform := newPlatform(t)
	server := interfaces.ServerIdentity("orchestrator.example:8080")

	_, err := certchain.NewBundle(server, map[string][]byte{"pek.cert": {1}})
	require.ErrorIs(t, err, interfaces.ErrCertificateChain)

	bundle, err := certchain.NewBundle(server, platform.Files())
	require.NoError(t, err)
	assert.False(t, bundle.Validated())
	assert.Equal(t, []string{"ask_ark.cert", "cek.cert", "oca.cert", "pdh.cert", "pek.cert"}, bundle.Names())

	pdh, err := bundle.PDH()
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.UsagePDH, pdh.PubKeyUsage)

	rejecting := &MockValidator{}
	rejecting.On("Validate", mock.Anything, mock.Anything).Return(false, nil)
	_, err = bundle.Validate(context.Background(), rejecting)
	require.ErrorIs(t, err, interfaces.ErrCertificateChain)

	var seenDir string
	accepting := &MockValidator{}
	accepting.On("Validate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		seenDir = args.String(1)
		_, err := os.Stat(filepath.Join(seenDir, certchain.PDHFile))
		assert.NoError(t, err)
	}).Return(true, nil)

	validated, err := bundle.Validate(context.Background(), accepting)
	require.NoError(t, err)
	assert.True(t, validated.Validated())
	assert.False(t, bundle.Validated(), "the original bundle is unchanged")
	_, err = os.Stat(seenDir)
	assert.True(t, os.IsNotExist(err), "temporary directory is removed")
}

func TestStructuralValidator(t *testing.T) {
	platform := newPlatform(t)
	v := certchain.NewStructuralValidator(true, testLogger())

	write := func(t *testing.T, files map[string][]byte) string {
		dir := t.TempDir()
		for name, content := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
		}
		return dir
	}

	ok, err := v.Validate(context.Background(), write(t, platform.Files()))
	require.NoError(t, err)
	assert.True(t, ok)

	tests := []struct {
		name   string
		mutate func(files map[string][]byte)
	}{
		{
			name:   "missing pek",
			mutate: func(files map[string][]byte) { delete(files, certchain.PEKFile) },
		},
		{
			name:   "missing roots",
			mutate: func(files map[string][]byte) { delete(files, certchain.ASKARKFile) },
		},
		{
			name: "swapped usages",
			mutate: func(files map[string][]byte) {
				files[certchain.PDHFile], files[certchain.PEKFile] = files[certchain.PEKFile], files[certchain.PDHFile]
			},
		},
		{
			name:   "tampered pdh",
			mutate: func(files map[string][]byte) { files[certchain.PDHFile][0x20] ^= 1 },
		},
		{
			name:   "foreign pdh",
			mutate: func(files map[string][]byte) { files[certchain.PDHFile] = newPlatform(t).Files()[certchain.PDHFile] },
		},
		{
			name:   "truncated cek",
			mutate: func(files map[string][]byte) { files[certchain.CEKFile] = files[certchain.CEKFile][:100] },
		},
		{
			name:   "ask not certified by ark",
			mutate: func(files map[string][]byte) { files[certchain.ASKARKFile][0x14] ^= 1 },
		},
		{
			name:   "garbage roots",
			mutate: func(files map[string][]byte) { files[certchain.ASKARKFile] = []byte{1, 2, 3} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := platform.Files()
			tt.mutate(files)
			ok, err := v.Validate(context.Background(), write(t, files))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	lenient := certchain.NewStructuralValidator(false, testLogger())
	files := platform.Files()
	delete(files, certchain.ASKARKFile)
	delete(files, certchain.CEKFile)
	ok, err = lenient.Validate(context.Background(), write(t, files))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllOf(t *testing.T) {
	yes := &MockValidator{}
	yes.On("Validate", mock.Anything, "dir").Return(true, nil)
	no := &MockValidator{}
	no.On("Validate", mock.Anything, "dir").Return(false, nil)
	never := &MockValidator{}

	ok, err := certchain.AllOf(yes, yes).Validate(context.Background(), "dir")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = certchain.AllOf(yes, no, never).Validate(context.Background(), "dir")
	require.NoError(t, err)
	assert.False(t, ok)
	never.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestCache(t *testing.T) {
	platform := newPlatform(t)
	server := interfaces.ServerIdentity("orchestrator.example:8080")
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	cache := certchain.NewCache(backend, testLogger())
	_, err = cache.Load(ctx, server)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	bundle, err := certchain.NewBundle(server, platform.Files())
	require.NoError(t, err)
	require.NoError(t, cache.Save(ctx, bundle))

	got, ok := cache.Get(server)
	require.True(t, ok)
	assert.Same(t, bundle, got)

	// a fresh cache restores the files but not the validation
	restored, err := certchain.NewCache(backend, testLogger()).Load(ctx, server)
	require.NoError(t, err)
	assert.False(t, restored.Validated())
	assert.Equal(t, bundle.Names(), restored.Names())
	pdh, _ := restored.File(certchain.PDHFile)
	assert.Equal(t, platform.Files()[certchain.PDHFile], pdh)
}
