package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgreement(t *testing.T) {
	a, err := GenerateEphemeralP384()
	require.NoError(t, err)
	b, err := GenerateEphemeralP384()
	require.NoError(t, err)

	s1, err := SharedSecret(a, b.PublicKey())
	require.NoError(t, err)
	defer s1.Destroy()
	s2, err := SharedSecret(b, a.PublicKey())
	require.NoError(t, err)
	defer s2.Destroy()

	assert.Equal(t, s1.Bytes(), s2.Bytes())
	assert.Equal(t, 48, s1.Len())
}

func TestDeriveKeyLabelsSeparate(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 48)
	salt := bytes.Repeat([]byte{0x11}, 16)

	k1, err := DeriveKey(secret, salt, "sev-tik", 16)
	require.NoError(t, err)
	k2, err := DeriveKey(secret, salt, "sev-tek", 16)
	require.NoError(t, err)
	k3, err := DeriveKey(secret, salt, "sev-tik", 16)
	require.NoError(t, err)

	assert.Len(t, k1.Bytes(), 16)
	assert.NotEqual(t, k1.Bytes(), k2.Bytes())
	assert.Equal(t, k1.Bytes(), k3.Bytes())

	k4, err := DeriveKey(secret, bytes.Repeat([]byte{0x12}, 16), "sev-tik", 16)
	require.NoError(t, err)
	assert.NotEqual(t, k1.Bytes(), k4.Bytes())
}
