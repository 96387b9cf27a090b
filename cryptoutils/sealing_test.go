package cryptoutils

import (
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArgon2Params = Argon2Params{Time: 1, Memory: 1024, Threads: 1}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("correct horse"), testArgon2Params)
	require.NoError(t, err)

	plaintext := []byte("tek and tik material")
	sealed, err := s.Seal(plaintext, []byte("vm-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext))

	opened, err := s.Open(sealed, []byte("vm-1"))
	require.NoError(t, err)
	defer opened.Destroy()
	assert.Equal(t, plaintext, opened.Bytes())

	again, err := s.Seal(plaintext, []byte("vm-1"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh salt and nonce per seal")
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := NewSealer([]byte("correct horse"), testArgon2Params)
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("secret"), []byte("vm-1"))
	require.NoError(t, err)

	_, err = s.Open(sealed, []byte("vm-2"))
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 1
	_, err = s.Open(flipped, []byte("vm-1"))
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	other, err := NewSealer([]byte("battery staple"), testArgon2Params)
	require.NoError(t, err)
	_, err = other.Open(sealed, []byte("vm-1"))
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = s.Open(sealed[:10], []byte("vm-1"))
	require.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = NewSealer(nil, testArgon2Params)
	require.ErrorIs(t, err, interfaces.ErrConfig)
}
