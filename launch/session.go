package launch

import (
	"fmt"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/policy"
)

// Artifact file names, as expected by the orchestrator.
const (
	GODHCertFile   = "godh.cert"
	LaunchBlobFile = "launch_blob.bin"
)

// PlatformKeys is what a launch needs from the platform certificate bundle.
type PlatformKeys interface {
	// Validated reports whether the bundle passed chain validation.
	Validated() bool
	// PDH returns the platform Diffie-Hellman certificate.
	PDH() (*cryptoutils.SevCert, error)
}

// LaunchArtifacts are the guest-owner files uploaded to the platform.
type LaunchArtifacts struct {
	// GODHCert is the SEV format certificate of the ephemeral guest-owner key.
	GODHCert []byte
	// LaunchBlob is the encoded session establishment payload.
	LaunchBlob []byte
	// Blob is the decoded form of LaunchBlob.
	Blob *LaunchBlob
}

// Files returns the artifacts keyed by their upload file names.
func (a *LaunchArtifacts) Files() map[string][]byte {
	return map[string][]byte{
		GODHCertFile:   a.GODHCert,
		LaunchBlobFile: a.LaunchBlob,
	}
}

// GenerateLaunchBlob starts a fresh launch session against a validated
// platform bundle. A new ephemeral GODH key pair is drawn for every call and
// discarded before returning; the shared secret is zeroed as soon as the
// session keys are derived. The caller owns the returned keys.
func GenerateLaunchBlob(p policy.GuestPolicy, platform PlatformKeys) (*LaunchArtifacts, *SessionKeys, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	if platform == nil || !platform.Validated() {
		return nil, nil, fmt.Errorf("%w: platform certificates have not been validated", interfaces.ErrCertificateChain)
	}

	pdh, err := platform.PDH()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrCertificateChain, err)
	}
	peer, err := pdh.ECDHPublicKey()
	if err != nil {
		return nil, nil, err
	}

	godh, err := cryptoutils.GenerateEphemeralP384()
	if err != nil {
		return nil, nil, err
	}

	var nonce [NonceSize]byte
	rnd, err := cryptoutils.RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	copy(nonce[:], rnd)

	shared, err := cryptoutils.SharedSecret(godh, peer)
	if err != nil {
		return nil, nil, err
	}
	keys, err := DeriveSessionKeys(shared, nonce[:])
	shared.Destroy()
	if err != nil {
		return nil, nil, err
	}

	cert, err := cryptoutils.NewGuestOwnerCert(godh.PublicKey(), pdh.APIMajor, pdh.APIMinor)
	if err != nil {
		keys.Destroy()
		return nil, nil, err
	}
	certBytes, err := cert.MarshalBinary()
	if err != nil {
		keys.Destroy()
		return nil, nil, err
	}

	blob := newLaunchBlob(nonce, p, keys.TIK.Bytes())
	blobBytes, err := blob.MarshalBinary()
	if err != nil {
		keys.Destroy()
		return nil, nil, err
	}

	return &LaunchArtifacts{
		GODHCert:   certBytes,
		LaunchBlob: blobBytes,
		Blob:       blob,
	}, keys, nil
}
