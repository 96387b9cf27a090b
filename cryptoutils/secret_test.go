package cryptoutils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBytesDestroy(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	s := SecretBytesFrom(raw)
	assert.Equal(t, 4, s.Len())
	assert.False(t, s.Destroyed())

	s.Destroy()
	assert.True(t, s.Destroyed())
	assert.Nil(t, s.Bytes())
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)

	// idempotent
	s.Destroy()

	var nilSecret *SecretBytes
	assert.True(t, nilSecret.Destroyed())
	nilSecret.Destroy()
}

func TestCopySecretBytes(t *testing.T) {
	src := []byte{9, 9}
	s := CopySecretBytes(src)
	s.Destroy()
	assert.Equal(t, []byte{9, 9}, src)
}

func TestWithSecretZeroesOnError(t *testing.T) {
	var leaked []byte
	err := WithSecret(8, func(buf []byte) error {
		for i := range buf {
			buf[i] = 0xAA
		}
		leaked = buf
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, make([]byte, 8), leaked)
}
