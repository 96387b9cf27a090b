package launch

import (
	"fmt"
	"sync"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// PendingLaunch is a launch session waiting for its measurement check. The
// only way to obtain a VerifiedLaunch, and with it the ability to package a
// secret, is a successful Verify.
type PendingLaunch struct {
	mu             sync.Mutex
	vmID           interfaces.VMID
	keys           *SessionKeys
	firmwareDigest [DigestSize]byte
}

// NewPendingLaunch takes ownership of keys.
func NewPendingLaunch(vmID interfaces.VMID, keys *SessionKeys, firmwareDigest [DigestSize]byte) *PendingLaunch {
	return &PendingLaunch{
		vmID:           vmID,
		keys:           keys,
		firmwareDigest: firmwareDigest,
	}
}

// VMID returns the VM the session belongs to.
func (p *PendingLaunch) VMID() interfaces.VMID {
	return p.vmID
}

// Verify checks the platform measure (digest || nonce) reported together
// with sevInfo. Any failure ends the session: the keys are destroyed and a
// new session must be started. A mismatch is reported as a
// *interfaces.MeasurementMismatchError.
func (p *PendingLaunch) Verify(sevInfo, measure []byte) (*VerifiedLaunch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.keys
	p.keys = nil
	if keys.Destroyed() {
		return nil, fmt.Errorf("%w: launch session for vm %s already consumed", interfaces.ErrMissingKeys, p.vmID)
	}

	expected, ok, err := verifyMeasure(keys, sevInfo, p.firmwareDigest, measure)
	if err != nil {
		keys.Destroy()
		return nil, err
	}
	if !ok {
		keys.Destroy()
		return nil, &interfaces.MeasurementMismatchError{
			VMID:     p.vmID,
			Expected: expected[:],
			Got:      append([]byte(nil), measure[:DigestSize]...),
		}
	}

	v := &VerifiedLaunch{vmID: p.vmID, keys: keys}
	copy(v.measure[:], measure[:DigestSize])
	return v, nil
}

// Abandon destroys the session keys without verifying.
func (p *PendingLaunch) Abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys.Destroy()
	p.keys = nil
}

// VerifiedLaunch is the capability to package exactly one secret for a VM
// whose launch measurement has been verified.
type VerifiedLaunch struct {
	mu      sync.Mutex
	vmID    interfaces.VMID
	keys    *SessionKeys
	measure [DigestSize]byte
}

// VMID returns the VM the session belongs to.
func (v *VerifiedLaunch) VMID() interfaces.VMID {
	return v.vmID
}

// Measure returns the verified launch digest.
func (v *VerifiedLaunch) Measure() [DigestSize]byte {
	return v.measure
}

// PackageSecret builds, encrypts and authenticates the secret table. A fresh
// random IV is drawn for the packet. The plaintext table is zeroed before
// returning and the session keys are destroyed afterwards, so a second call
// fails with ErrMissingKeys.
func (v *VerifiedLaunch) PackageSecret(entries ...SecretEntry) (*SecretPacket, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys := v.keys
	v.keys = nil
	defer keys.Destroy()
	if keys.Destroyed() {
		return nil, fmt.Errorf("%w: secret already packaged for vm %s", interfaces.ErrMissingKeys, v.vmID)
	}

	table, err := BuildSecretTable(entries...)
	if err != nil {
		return nil, err
	}
	defer table.Destroy()

	iv, err := cryptoutils.RandomIV()
	if err != nil {
		return nil, err
	}

	ciphertext, err := Encrypt(table.Bytes(), keys.TEK.Bytes(), iv)
	if err != nil {
		return nil, err
	}

	header, err := BuildPacketHeader(ciphertext, table.Len(), keys.TIK.Bytes(), iv).MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &SecretPacket{Header: header, Ciphertext: ciphertext}, nil
}

// Close destroys the keys if no secret was packaged.
func (v *VerifiedLaunch) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys.Destroy()
	v.keys = nil
}
