package launch

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/policy"
)

const (
	// NonceSize is the size of the launch nonce.
	NonceSize = 16
	// LaunchBlobSize is the encoded size of a LaunchBlob.
	LaunchBlobSize = NonceSize + 4 + 4 + 32
)

// LaunchBlob is the session establishment payload sent to the platform
// with the guest-owner certificate. The platform repeats the key agreement
// with the nonce as KDF salt and checks the policy MAC with the TIK it
// derived.
//
// Wire format, little-endian:
//
//	[nonce (16 bytes)][policy (u32)][reserved (u32, zero)][policy_mac (32 bytes)]
type LaunchBlob struct {
	Nonce     [NonceSize]byte
	Policy    policy.GuestPolicy
	PolicyMAC [32]byte
}

func newLaunchBlob(nonce [NonceSize]byte, p policy.GuestPolicy, tik []byte) *LaunchBlob {
	return &LaunchBlob{
		Nonce:     nonce,
		Policy:    p,
		PolicyMAC: cryptoutils.HMACSHA256(tik, p.Bytes()),
	}
}

// MarshalBinary encodes the blob.
func (b *LaunchBlob) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, LaunchBlobSize)
	out = append(out, b.Nonce[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(b.Policy))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = append(out, b.PolicyMAC[:]...)
	return out, nil
}

// ParseLaunchBlob decodes a blob produced by MarshalBinary.
func ParseLaunchBlob(data []byte) (*LaunchBlob, error) {
	if len(data) != LaunchBlobSize {
		return nil, fmt.Errorf("%w: launch blob is %d bytes, expected %d", interfaces.ErrEncoding, len(data), LaunchBlobSize)
	}
	b := &LaunchBlob{}
	copy(b.Nonce[:], data[:NonceSize])
	b.Policy = policy.GuestPolicy(binary.LittleEndian.Uint32(data[NonceSize:]))
	if reserved := binary.LittleEndian.Uint32(data[NonceSize+4:]); reserved != 0 {
		return nil, fmt.Errorf("%w: launch blob reserved field is 0x%x", interfaces.ErrEncoding, reserved)
	}
	copy(b.PolicyMAC[:], data[NonceSize+8:])
	return b, nil
}

// VerifyPolicyMAC checks the policy MAC against tik.
func (b *LaunchBlob) VerifyPolicyMAC(tik []byte) bool {
	expected := cryptoutils.HMACSHA256(tik, b.Policy.Bytes())
	return hmac.Equal(expected[:], b.PolicyMAC[:])
}
