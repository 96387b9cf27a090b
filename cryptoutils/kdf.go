package cryptoutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"golang.org/x/crypto/hkdf"
)

// GenerateEphemeralP384 draws a fresh P-384 Diffie-Hellman key pair.
func GenerateEphemeralP384() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return priv, nil
}

// SharedSecret performs ECDH between priv and peer. The result is owned by
// the caller and must be destroyed once the derived keys exist.
func SharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (*SecretBytes, error) {
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyAgreement, err)
	}
	return SecretBytesFrom(shared), nil
}

// DeriveKey expands secret into a size byte key with HKDF-SHA-256. The label
// separates keys derived from the same secret and salt.
func DeriveKey(secret, salt []byte, label string, size int) (*SecretBytes, error) {
	key := NewSecretBytes(size)
	r := hkdf.New(sha256.New, secret, salt, []byte(label))
	if _, err := io.ReadFull(r, key.Bytes()); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("%w: key derivation for %q failed: %v", interfaces.ErrKeyAgreement, label, err)
	}
	return key, nil
}
