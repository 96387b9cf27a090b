package cryptoutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestOwnerCertRoundTrip(t *testing.T) {
	priv, err := GenerateEphemeralP384()
	require.NoError(t, err)

	cert, err := NewGuestOwnerCert(priv.PublicKey(), 0, 24)
	require.NoError(t, err)

	raw, err := cert.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, SevCertSize)

	// version, api version and usage at their wire offsets
	assert.Equal(t, []byte{1, 0, 0, 0}, raw[0x00:0x04])
	assert.Equal(t, byte(0), raw[0x04])
	assert.Equal(t, byte(24), raw[0x05])
	assert.Equal(t, []byte{0x03, 0x10, 0, 0}, raw[0x08:0x0C])
	assert.Equal(t, []byte{0x14, 0, 0, 0}, raw[0x0C:0x10])
	assert.Equal(t, []byte{CurveP384, 0, 0, 0}, raw[0x10:0x14])
	assert.Equal(t, []byte{0x00, 0x10, 0, 0}, raw[0x414:0x418])
	assert.Equal(t, []byte{0x00, 0x10, 0, 0}, raw[0x61C:0x620])

	parsed, err := ParseSevCert(raw)
	require.NoError(t, err)
	assert.Equal(t, UsagePDH, parsed.PubKeyUsage)

	pub, err := parsed.ECDHPublicKey()
	require.NoError(t, err)
	assert.True(t, pub.Equal(priv.PublicKey()))
}

func TestECDHPublicKeyRejectsInvalidPoints(t *testing.T) {
	priv, err := GenerateEphemeralP384()
	require.NoError(t, err)
	valid, err := NewGuestOwnerCert(priv.PublicKey(), 0, 24)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *SevCert)
	}{
		{
			name:   "identity element",
			mutate: func(c *SevCert) { c.PubKey.QX = [0x48]byte{}; c.PubKey.QY = [0x48]byte{} },
		},
		{
			name:   "off curve",
			mutate: func(c *SevCert) { c.PubKey.QY[0] ^= 0x01 },
		},
		{
			name:   "oversize coordinate",
			mutate: func(c *SevCert) { c.PubKey.QX[60] = 0x01 },
		},
		{
			name:   "wrong curve",
			mutate: func(c *SevCert) { c.PubKey.Curve = 1 },
		},
		{
			name:   "signing key",
			mutate: func(c *SevCert) { c.PubKeyAlgo = AlgoECDSASHA256 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *valid
			tt.mutate(&c)
			_, err := c.ECDHPublicKey()
			require.ErrorIs(t, err, interfaces.ErrKeyAgreement)
		})
	}
}

func TestParseSevCertErrors(t *testing.T) {
	_, err := ParseSevCert(make([]byte, 10))
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = ParseSevCert(make([]byte, SevCertSize))
	require.ErrorIs(t, err, interfaces.ErrEncoding, "version 0 must be rejected")
}

func TestNewGuestOwnerCertRequiresP384(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = NewGuestOwnerCert(priv.PublicKey(), 0, 0)
	require.ErrorIs(t, err, interfaces.ErrKeyAgreement)
}
