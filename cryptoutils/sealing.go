package cryptoutils

import (
	"bytes"
	"fmt"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var sealMagic = []byte("SEVK\x01")

const sealSaltSize = 16

// Argon2Params are the argon2id cost parameters used to turn a passphrase
// into a sealing key.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultArgon2Params match the disk key derivation parameters used for
// application secrets.
var DefaultArgon2Params = Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}

// Sealer encrypts secrets at rest with a key derived from an operator
// passphrase. Sealed records are bound to their additional data, so a record
// stored for one VM cannot be replayed for another.
//
// Sealed format:
//
//	["SEVK" 0x01][salt (16 bytes)][nonce (24 bytes)][XChaCha20-Poly1305 ciphertext]
type Sealer struct {
	passphrase []byte
	params     Argon2Params
}

// NewSealer creates a sealer for the given passphrase.
func NewSealer(passphrase []byte, params Argon2Params) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty sealing passphrase", interfaces.ErrConfig)
	}
	return &Sealer{passphrase: bytes.Clone(passphrase), params: params}, nil
}

func (s *Sealer) key(salt []byte) *SecretBytes {
	return SecretBytesFrom(argon2.IDKey(s.passphrase, salt, s.params.Time, s.params.Memory, s.params.Threads, chacha20poly1305.KeySize))
}

// Seal encrypts plaintext under a fresh salt and nonce.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	salt, err := RandomBytes(sealSaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	key := s.key(salt)
	defer key.Destroy()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+sealSaltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData), nil
}

// Open authenticates and decrypts a sealed record. The returned plaintext is
// owned by the caller.
func (s *Sealer) Open(sealed, additionalData []byte) (*SecretBytes, error) {
	header := len(sealMagic) + sealSaltSize + chacha20poly1305.NonceSizeX
	if len(sealed) < header+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed record too short", interfaces.ErrEncoding)
	}
	if !bytes.Equal(sealed[:len(sealMagic)], sealMagic) {
		return nil, fmt.Errorf("%w: unknown sealed record format", interfaces.ErrEncoding)
	}

	salt := sealed[len(sealMagic) : len(sealMagic)+sealSaltSize]
	nonce := sealed[len(sealMagic)+sealSaltSize : header]

	key := s.key(salt)
	defer key.Destroy()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed[header:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed record failed authentication", interfaces.ErrEncoding)
	}
	return SecretBytesFrom(plaintext), nil
}
