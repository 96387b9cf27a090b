package flags

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const testProfile = `
server:
  url: https://profile.example:8443
  username: profile-user
  password: profile-pass
keystores:
  - file:///var/lib/sev
  - vault://vault.internal:8200/secret/sev
firmware_digest: 7a2f841fe8a61cfdc02a17dd56f01c8c69492d9bb84d0097c7f349fc1d429680
validator: all
max_parallel: 8
policy: "0x3f"
`

func runResolve(t *testing.T, profile *Profile, args ...string) (*LaunchSettings, error) {
	t.Helper()
	var settings *LaunchSettings
	var resolveErr error
	app := &cli.App{
		Name:  "test",
		Flags: LaunchFlags,
		Action: func(cCtx *cli.Context) error {
			settings, resolveErr = resolve(cCtx, profile)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
	return settings, resolveErr
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(strings.NewReader(testProfile))
	require.NoError(t, err)
	assert.Equal(t, "https://profile.example:8443", p.Server.URL)
	assert.Equal(t, "profile-pass", p.Server.Password)
	assert.Len(t, p.Keystores, 2)
	assert.Equal(t, 8, p.MaxParallel)
	assert.Equal(t, "0x3f", p.Policy)

	_, err = ParseProfile(strings.NewReader("servr:\n  url: x\n"))
	require.ErrorIs(t, err, interfaces.ErrConfig)

	empty, err := ParseProfile(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, empty)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "all", p.Validator)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, interfaces.ErrConfig)
}

func TestResolvePrecedence(t *testing.T) {
	profile, err := ParseProfile(strings.NewReader(testProfile))
	require.NoError(t, err)

	s, err := runResolve(t, profile)
	require.NoError(t, err)
	assert.Equal(t, "https://profile.example:8443", s.Endpoint.URL)
	assert.Equal(t, "profile-user", s.Endpoint.Username)
	assert.Equal(t, []interfaces.StorageBackendLocation{"file:///var/lib/sev", "vault://vault.internal:8200/secret/sev"}, s.Keystores)
	assert.Equal(t, ValidatorAll, s.Validator)
	assert.Equal(t, 8, s.MaxParallel)

	s, err = runResolve(t, profile,
		"--server-url", "http://flag.example",
		"--username", "flag-user",
		"--keystore", "file:///tmp/a",
		"--validator", "structural",
		"--max-parallel", "1")
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example", s.Endpoint.URL)
	assert.Equal(t, "flag-user", s.Endpoint.Username)
	assert.Equal(t, "profile-pass", s.Endpoint.Password, "unset flags keep the profile value")
	assert.Equal(t, []interfaces.StorageBackendLocation{"file:///tmp/a"}, s.Keystores)
	assert.Equal(t, ValidatorStructural, s.Validator)
	assert.Equal(t, 1, s.MaxParallel)
}

func TestResolveDefaults(t *testing.T) {
	_, err := runResolve(t, &Profile{})
	require.ErrorIs(t, err, interfaces.ErrConfig, "the orchestrator url is required")

	s, err := runResolve(t, &Profile{}, "--server-url", "http://orchestrator.example")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.StorageBackendLocation{DefaultKeystore}, s.Keystores)
	assert.Equal(t, ValidatorSevtool, s.Validator)

	for _, name := range []string{ValidatorSevtool, ValidatorStructural, ValidatorAll} {
		s.Validator = name
		v, err := s.CertificateValidator(nil)
		require.NoError(t, err)
		assert.NotNil(t, v)
	}
	s.Validator = "trust-me"
	_, err = s.CertificateValidator(nil)
	require.ErrorIs(t, err, interfaces.ErrConfig)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sev.env")
	require.NoError(t, os.WriteFile(path, []byte("SEV_TEST_DOTENV=from-file\n"), 0o600))

	t.Setenv("SEV_ENV_FILE", path)
	t.Setenv("SEV_TEST_DOTENV", "")
	os.Unsetenv("SEV_TEST_DOTENV")
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "from-file", os.Getenv("SEV_TEST_DOTENV"))

	t.Setenv("SEV_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, LoadDotEnv(), "a missing env file is not an error")
}
