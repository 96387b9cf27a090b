package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/api/orchestrator"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/guestowner"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/ruteri/sev-guest-owner/platformsim"
	"github.com/ruteri/sev-guest-owner/policy"
	"github.com/ruteri/sev-guest-owner/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDaemon struct {
	orch   *platformsim.Orchestrator
	client *orchestrator.Client
	router http.Handler
	server *Server
}

func setupDaemon(t *testing.T, firmwareDigest string) *testDaemon {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	platform, err := platformsim.New(platformsim.DefaultOptions())
	require.NoError(t, err)
	orch := platformsim.NewOrchestrator(platform, "owner", "pw", logger)
	orchSrv := httptest.NewServer(orch.Handler())
	t.Cleanup(orchSrv.Close)

	endpoint, err := api.NewEndpoint(orchSrv.URL, "owner", "pw")
	require.NoError(t, err)
	client := orchestrator.NewClient(endpoint, orchSrv.Client(), logger)

	cfg, err := guestowner.NewConfig(endpoint, firmwareDigest, 2)
	require.NoError(t, err)
	store, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	sealer, err := cryptoutils.NewSealer([]byte("passphrase"), cryptoutils.Argon2Params{Time: 1, Memory: 1024, Threads: 1})
	require.NoError(t, err)
	owner, err := guestowner.New(cfg, client, store, sealer, certchain.NewStructuralValidator(true, logger), logger)
	require.NoError(t, err)

	handler := NewHandler(owner, policy.Encode(policy.Restrictive(), nil), logger)
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		MetricsAddr:              "",
		Log:                      logger,
		Username:                 "automation",
		Password:                 "s3cret",
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)
	owner.SetMetrics(srv.Metrics())

	return &testDaemon{orch: orch, client: client, router: srv.getRouter(), server: srv}
}

func (d *testDaemon) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth("automation", "s3cret")
	rec := httptest.NewRecorder()
	d.router.ServeHTTP(rec, req)
	return rec
}

func TestLaunchAPI(t *testing.T) {
	d := setupDaemon(t, "")
	vm := d.orch.AddVM("guest")

	rec := d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/certificates", PolicyRequest{Policy: "0x3f"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status guestowner.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, interfaces.VMID(vm.ID), status.VMID)

	_, err := d.client.StartVM(context.Background(), interfaces.VMID(vm.ID))
	require.NoError(t, err)

	rec = d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/secret", SecretRequest{DiskPassphrase: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got api.VM
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "running", got.Status)
	assert.NotZero(t, got.SSHPort)

	secrets := d.orch.Secrets(vm.ID)
	require.Len(t, secrets, 1)
	assert.Equal(t, launch.DiskPassphraseGUID, secrets[0].GUID)
	assert.Equal(t, []byte("hunter2"), secrets[0].Value)

	rec = d.do(t, http.MethodGet, "/api/launch/"+vm.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	rec = d.do(t, http.MethodGet, "/api/launch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), vm.ID)

	// the session was consumed
	rec = d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/secret", SecretRequest{DiskPassphrase: "hunter2"})
	assert.Equal(t, http.StatusBadGateway, rec.Code, "the platform no longer waits for a secret")
}

func TestLaunchAPIMeasurementMismatch(t *testing.T) {
	d := setupDaemon(t, "0000000000000000000000000000000000000000000000000000000000000000")
	vm := d.orch.AddVM("guest")

	rec := d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/certificates", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err := d.client.StartVM(context.Background(), interfaces.VMID(vm.ID))
	require.NoError(t, err)

	rec = d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/secret", SecretRequest{DiskPassphrase: "hunter2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int64(0), d.orch.InjectCalls())

	rec = d.do(t, http.MethodPost, "/api/launch/"+vm.ID+"/secret", SecretRequest{DiskPassphrase: "hunter2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(0), d.orch.InjectCalls())
}

func TestLaunchAPIRequestErrors(t *testing.T) {
	d := setupDaemon(t, "")
	vm := d.orch.AddVM("guest")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{
			name:   "reserved policy bits",
			method: http.MethodPost,
			path:   "/api/launch/" + vm.ID + "/certificates",
			body:   PolicyRequest{Policy: "0x40"},
			status: http.StatusBadRequest,
		},
		{
			name:   "policy and flags",
			method: http.MethodPost,
			path:   "/api/launch/" + vm.ID + "/certificates",
			body:   PolicyRequest{Policy: "0x1", Flags: &policy.Flags{}},
			status: http.StatusBadRequest,
		},
		{
			name:   "empty secret",
			method: http.MethodPost,
			path:   "/api/launch/" + vm.ID + "/secret",
			body:   SecretRequest{},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed body",
			method: http.MethodPost,
			path:   "/api/launch/" + vm.ID + "/secret",
			body:   "not an object",
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown vm",
			method: http.MethodPost,
			path:   "/api/launch/vm-404/certificates",
			status: http.StatusBadGateway,
		},
		{
			name:   "abandon",
			method: http.MethodDelete,
			path:   "/api/launch/" + vm.ID,
			status: http.StatusNoContent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := d.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestPolicyAPI(t *testing.T) {
	d := setupDaemon(t, "")

	rec := d.do(t, http.MethodPost, "/api/policy", PolicyRequest{Flags: &policy.Flags{NoDebug: true}, MinFirmware: "1.51"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PolicyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	want := PolicyResponse{
		Policy:      "0x33010001",
		Flags:       policy.Flags{NoDebug: true},
		MinFirmware: &policy.FirmwareVersion{Major: 1, Minor: 51},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("policy response mismatch (-want +got):\n%s", diff)
	}

	rec = d.do(t, http.MethodPost, "/api/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"policy":"0x3f"`)
}

func TestStatusForErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&interfaces.MeasurementMismatchError{VMID: "vm-1"}, http.StatusUnprocessableEntity},
		{interfaces.ErrMissingKeys, http.StatusNotFound},
		{interfaces.ErrLaunchInProgress, http.StatusConflict},
		{interfaces.ErrConfig, http.StatusBadRequest},
		{&interfaces.TransportError{Method: "GET", URL: "/vm/1", StatusCode: 500}, http.StatusBadGateway},
		{interfaces.ErrCertificateChain, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestAuthAndHealth(t *testing.T) {
	d := setupDaemon(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/launch", nil)
	rec := httptest.NewRecorder()
	d.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, step := range []struct {
		path   string
		status int
		body   string
	}{
		{"/livez", http.StatusOK, "alive"},
		{"/readyz", http.StatusOK, "ready"},
		{"/drain", http.StatusOK, "draining"},
		{"/drain", http.StatusOK, "already draining"},
		{"/readyz", http.StatusServiceUnavailable, "not ready"},
		{"/undrain", http.StatusOK, "ready"},
		{"/readyz", http.StatusOK, "ready"},
	} {
		rec := httptest.NewRecorder()
		d.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, step.path, nil))
		assert.Equal(t, step.status, rec.Code, step.path)
		assert.JSONEq(t, `{"status":"`+step.body+`","launches_in_flight":0}`, rec.Body.String(), step.path)
	}
}
