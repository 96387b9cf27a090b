package api

import (
	"encoding/json"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/ruteri/sev-guest-owner/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEndpoint(t *testing.T) {
	e, err := NewEndpoint("https://orchestrator.example:8443/", "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "https://orchestrator.example:8443", e.URL)

	server, err := e.Server()
	require.NoError(t, err)
	assert.Equal(t, interfaces.ServerIdentity("orchestrator.example:8443"), server)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")

	for _, bad := range []string{"", "orchestrator.example", "ftp://host", "http://"} {
		_, err := NewEndpoint(bad, "", "")
		assert.ErrorIs(t, err, interfaces.ErrConfig, bad)
	}
}

func TestMeasurementResponseDecoding(t *testing.T) {
	want := launch.SevInfo{APIMajor: 0, APIMinor: 24, BuildID: 15, Policy: policy.GuestPolicy(0x1)}.Bytes()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "base64 sev_info",
			body: `{"launch_measure":"AAEC","sev_info":"ABgPAQAAAA=="}`,
		},
		{
			name: "object sev_info",
			body: `{"launch_measure":"AAEC","sev_info":{"api_major":0,"api_minor":24,"build_id":15,"policy":1}}`,
		},
		{
			name:    "incomplete object",
			body:    `{"launch_measure":"AAEC","sev_info":{"api_major":0,"api_minor":24}}`,
			wantErr: true,
		},
		{
			name:    "short base64",
			body:    `{"launch_measure":"AAEC","sev_info":"AAE="}`,
			wantErr: true,
		},
		{
			name:    "not base64",
			body:    `{"launch_measure":"AAEC","sev_info":"%%%"}`,
			wantErr: true,
		},
		{
			name:    "number",
			body:    `{"launch_measure":"AAEC","sev_info":7}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MeasurementResponse
			err := json.Unmarshal([]byte(tt.body), &m)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []byte{0, 1, 2}, m.LaunchMeasure)
			assert.Equal(t, want, []byte(m.SevInfo))
		})
	}
}

func TestSevInfoMarshalsAsBase64(t *testing.T) {
	info := SevInfo(launch.SevInfo{APIMinor: 24, BuildID: 15, Policy: 1}.Bytes())
	out, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `"ABgPAQAAAA=="`, string(out))

	var back SevInfo
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, info, back)
}
