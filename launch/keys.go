package launch

import (
	"fmt"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// KeySize is the size of TIK and TEK.
const KeySize = 16

// KDF labels separating the two session keys.
const (
	labelTIK = "sev-tik"
	labelTEK = "sev-tek"
)

// SessionKeys holds the transport keys of one launch session. Keys belong
// to exactly one VM launch and are destroyed when it succeeds or is
// abandoned.
type SessionKeys struct {
	// TIK is the transport integrity key.
	TIK *cryptoutils.SecretBytes
	// TEK is the transport encryption key.
	TEK *cryptoutils.SecretBytes
}

// DeriveSessionKeys expands an ECDH shared secret into TIK and TEK, salted
// with the launch nonce.
func DeriveSessionKeys(shared *cryptoutils.SecretBytes, nonce []byte) (*SessionKeys, error) {
	tik, err := cryptoutils.DeriveKey(shared.Bytes(), nonce, labelTIK, KeySize)
	if err != nil {
		return nil, err
	}
	tek, err := cryptoutils.DeriveKey(shared.Bytes(), nonce, labelTEK, KeySize)
	if err != nil {
		tik.Destroy()
		return nil, err
	}
	return &SessionKeys{TIK: tik, TEK: tek}, nil
}

// Destroy zeroes both keys.
func (k *SessionKeys) Destroy() {
	if k == nil {
		return
	}
	k.TIK.Destroy()
	k.TEK.Destroy()
}

// Destroyed reports whether the keys are no longer usable.
func (k *SessionKeys) Destroyed() bool {
	return k == nil || k.TIK.Destroyed() || k.TEK.Destroyed()
}

// marshal encodes the keys as TEK || TIK, the layout of the persisted
// transport key file.
func (k *SessionKeys) marshal() (*cryptoutils.SecretBytes, error) {
	if k.Destroyed() {
		return nil, fmt.Errorf("%w: session keys already destroyed", interfaces.ErrMissingKeys)
	}
	out := cryptoutils.NewSecretBytes(2 * KeySize)
	copy(out.Bytes()[:KeySize], k.TEK.Bytes())
	copy(out.Bytes()[KeySize:], k.TIK.Bytes())
	return out, nil
}

func unmarshalSessionKeys(raw []byte) (*SessionKeys, error) {
	if len(raw) != 2*KeySize {
		return nil, fmt.Errorf("%w: session key record is %d bytes, expected %d", interfaces.ErrEncoding, len(raw), 2*KeySize)
	}
	return &SessionKeys{
		TEK: cryptoutils.CopySecretBytes(raw[:KeySize]),
		TIK: cryptoutils.CopySecretBytes(raw[KeySize:]),
	}, nil
}
