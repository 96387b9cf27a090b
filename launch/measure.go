package launch

import (
	"crypto/hmac"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/policy"
)

const (
	// MeasureSize is the size of the platform launch measure: digest || nonce.
	MeasureSize = DigestSize + NonceSize
	// DigestSize is the size of the measurement digest and of the firmware digest.
	DigestSize = 32
	// SevInfoSize is the size of the encoded platform build information.
	SevInfoSize = 7

	measureContext = 0x04
)

// DefaultOVMFDigest is the SHA-256 digest of the OVMF build shipped by the
// reference orchestrator.
const DefaultOVMFDigest = "7a2f841fe8a61cfdc02a17dd56f01c8c69492d9bb84d0097c7f349fc1d429680"

// ParseFirmwareDigest decodes a hex encoded 32 byte firmware digest.
func ParseFirmwareDigest(s string) ([DigestSize]byte, error) {
	var digest [DigestSize]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return digest, fmt.Errorf("%w: invalid firmware digest: %v", interfaces.ErrConfig, err)
	}
	if len(raw) != DigestSize {
		return digest, fmt.Errorf("%w: firmware digest is %d bytes, expected %d", interfaces.ErrConfig, len(raw), DigestSize)
	}
	copy(digest[:], raw)
	return digest, nil
}

// SevInfo is the platform build information included in the measurement.
type SevInfo struct {
	APIMajor uint8
	APIMinor uint8
	BuildID  uint8
	Policy   policy.GuestPolicy
}

// Bytes encodes the build information as measured by the firmware:
// api_major, api_minor, build_id, policy (u32 little-endian).
func (s SevInfo) Bytes() []byte {
	out := []byte{s.APIMajor, s.APIMinor, s.BuildID}
	return binary.LittleEndian.AppendUint32(out, uint32(s.Policy))
}

// ParseSevInfo decodes the 7 byte build information.
func ParseSevInfo(b []byte) (SevInfo, error) {
	if len(b) != SevInfoSize {
		return SevInfo{}, fmt.Errorf("%w: sev_info is %d bytes, expected %d", interfaces.ErrEncoding, len(b), SevInfoSize)
	}
	return SevInfo{
		APIMajor: b[0],
		APIMinor: b[1],
		BuildID:  b[2],
		Policy:   policy.GuestPolicy(binary.LittleEndian.Uint32(b[3:])),
	}, nil
}

// ComputeExpectedMeasure returns
// HMAC-SHA-256(tik, 0x04 || sevInfo || firmwareDigest || nonce).
func ComputeExpectedMeasure(sevInfo, tik []byte, firmwareDigest [DigestSize]byte, nonce [NonceSize]byte) [DigestSize]byte {
	return cryptoutils.HMACSHA256(tik, []byte{measureContext}, sevInfo, firmwareDigest[:], nonce[:])
}

// SplitMeasure splits a 48 byte platform measure into digest and nonce.
func SplitMeasure(measure []byte) (digest [DigestSize]byte, nonce [NonceSize]byte, err error) {
	if len(measure) != MeasureSize {
		return digest, nonce, fmt.Errorf("%w: launch measure is %d bytes, expected %d", interfaces.ErrEncoding, len(measure), MeasureSize)
	}
	copy(digest[:], measure[:DigestSize])
	copy(nonce[:], measure[DigestSize:])
	return digest, nonce, nil
}

// VerifyMeasure recomputes the launch digest from the session TIK and
// compares it with the platform report in constant time.
func VerifyMeasure(keys *SessionKeys, sevInfo []byte, firmwareDigest [DigestSize]byte, measure []byte) (bool, error) {
	_, ok, err := verifyMeasure(keys, sevInfo, firmwareDigest, measure)
	return ok, err
}

func verifyMeasure(keys *SessionKeys, sevInfo []byte, firmwareDigest [DigestSize]byte, measure []byte) ([DigestSize]byte, bool, error) {
	digest, nonce, err := SplitMeasure(measure)
	if err != nil {
		return [DigestSize]byte{}, false, err
	}
	if keys.Destroyed() {
		return [DigestSize]byte{}, false, fmt.Errorf("%w: session keys already destroyed", interfaces.ErrMissingKeys)
	}
	expected := ComputeExpectedMeasure(sevInfo, keys.TIK.Bytes(), firmwareDigest, nonce)
	return expected, hmac.Equal(expected[:], digest[:]), nil
}
