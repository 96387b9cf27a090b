package cryptoutils

import (
	"encoding/hex"
	"testing"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCTRRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv, err := RandomIV()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ct, err := AESCTR(key, iv[:], plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := AESCTR(key, iv[:], ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	_, err = AESCTR(key, iv[:8], plaintext)
	require.ErrorIs(t, err, interfaces.ErrEncoding)
	_, err = AESCTR(key[:5], iv[:], plaintext)
	require.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestHMACSHA256Concatenates(t *testing.T) {
	key := []byte("k")
	a := HMACSHA256(key, []byte("ab"), []byte("cd"))
	b := HMACSHA256(key, []byte("abcd"))
	assert.Equal(t, a, b)

	// RFC 4231 test case 2
	mac := HMACSHA256([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(mac[:]))
}
