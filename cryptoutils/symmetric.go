package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// AESBlockSize is the block and IV size of AES-CTR.
const AESBlockSize = aes.BlockSize

// AESCTR applies AES counter mode keystream to in. Encryption and
// decryption are the same operation.
func AESCTR(key, iv, in []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", interfaces.ErrEncoding, aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEncoding, err)
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

// HMACSHA256 computes HMAC-SHA-256 over the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// RandomIV draws a fresh random 16 byte IV.
func RandomIV() ([AESBlockSize]byte, error) {
	var iv [AESBlockSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return iv, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
