package interfaces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVMID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "uuid", input: "5b7c1f2e-9b41-4d1c-a0f4-3a8d1c9e6a11"},
		{name: "numeric", input: "42"},
		{name: "empty", input: "", wantErr: true},
		{name: "slash", input: "a/b", wantErr: true},
		{name: "dotdot", input: "..", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewVMID(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, id.String())
		})
	}
}

func TestServerIdentityFromURL(t *testing.T) {
	id, err := ServerIdentityFromURL("https://Platform.example.com:8443/api")
	require.NoError(t, err)
	assert.Equal(t, ServerIdentity("platform.example.com:8443"), id)
	assert.Equal(t, "platform.example.com_8443", id.PathSafe())

	_, err = ServerIdentityFromURL("not a url")
	require.ErrorIs(t, err, ErrConfig)
}

func TestArtifactKey(t *testing.T) {
	key, err := NewArtifactKey(LaunchType, "vm-1", "godh.cert")
	require.NoError(t, err)
	assert.Equal(t, "launch/vm-1/godh.cert", key.Path())

	_, err = NewArtifactKey(SessionKeyType, "../etc", "passwd")
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewArtifactKey(SessionKeyType, "vm-1", "")
	require.ErrorIs(t, err, ErrConfig)
}

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &TransportError{Method: "GET", URL: "http://x/vm/1", StatusCode: 500, Body: "boom"}
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Contains(t, err.Error(), "status 500")

	err = &TransportError{Method: "GET", URL: "http://x/vm/1", Err: context.Canceled}
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, context.Canceled))

	err = &MeasurementMismatchError{VMID: "vm-1", Expected: []byte{1}, Got: []byte{2}}
	assert.True(t, errors.Is(err, ErrMeasurementMismatch))
	var mm *MeasurementMismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, VMID("vm-1"), mm.VMID)
}
