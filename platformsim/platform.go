package platformsim

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/launch"
)

// Options describe the simulated platform firmware.
type Options struct {
	APIMajor uint8
	APIMinor uint8
	BuildID  uint8
	// FirmwareDigest is what the firmware measures as the guest image.
	FirmwareDigest [launch.DigestSize]byte
}

// DefaultOptions returns a platform running firmware 0.24 build 15 that
// measures the default OVMF image.
func DefaultOptions() Options {
	digest, err := launch.ParseFirmwareDigest(launch.DefaultOVMFDigest)
	if err != nil {
		panic(err)
	}
	return Options{APIMajor: 0, APIMinor: 24, BuildID: 15, FirmwareDigest: digest}
}

// Platform simulates the AMD secure processor of one host: it owns the
// platform certificate chain and the PDH private key, and plays the
// firmware side of the launch protocol.
type Platform struct {
	opts   Options
	pdhKey *ecdh.PrivateKey
	files  map[string][]byte
}

// New generates a fresh platform with a complete certificate chain:
// OCA (self-signed), CEK, PEK (signed by OCA and CEK), PDH (signed by PEK)
// and an ASK/ARK pair in the AMD certificate format.
func New(opts Options) (*Platform, error) {
	ocaKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cekKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pekKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pdhKey, err := cryptoutils.GenerateEphemeralP384()
	if err != nil {
		return nil, err
	}

	oca, err := cryptoutils.NewSigningCert(&ocaKey.PublicKey, cryptoutils.UsageOCA, opts.APIMajor, opts.APIMinor)
	if err != nil {
		return nil, err
	}
	if err := oca.Sign(1, cryptoutils.UsageOCA, cryptoutils.AlgoECDSASHA256, ocaKey); err != nil {
		return nil, err
	}

	cek, err := cryptoutils.NewSigningCert(&cekKey.PublicKey, cryptoutils.UsageCEK, opts.APIMajor, opts.APIMinor)
	if err != nil {
		return nil, err
	}
	// the ASK signs with RSA, which is not reproduced here
	cek.Sig1Usage = cryptoutils.UsageASK
	cek.Sig1Algo = cryptoutils.AlgoRSASHA256
	if _, err := rand.Read(cek.Sig1[:]); err != nil {
		return nil, err
	}

	pek, err := cryptoutils.NewSigningCert(&pekKey.PublicKey, cryptoutils.UsagePEK, opts.APIMajor, opts.APIMinor)
	if err != nil {
		return nil, err
	}
	if err := pek.Sign(1, cryptoutils.UsageOCA, cryptoutils.AlgoECDSASHA256, ocaKey); err != nil {
		return nil, err
	}
	if err := pek.Sign(2, cryptoutils.UsageCEK, cryptoutils.AlgoECDSASHA256, cekKey); err != nil {
		return nil, err
	}

	pdh, err := cryptoutils.NewDHCert(pdhKey.PublicKey(), cryptoutils.UsagePDH, opts.APIMajor, opts.APIMinor)
	if err != nil {
		return nil, err
	}
	if err := pdh.Sign(1, cryptoutils.UsagePEK, cryptoutils.AlgoECDSASHA256, pekKey); err != nil {
		return nil, err
	}

	files := make(map[string][]byte)
	for name, cert := range map[string]*cryptoutils.SevCert{
		certchain.PDHFile: pdh,
		certchain.PEKFile: pek,
		certchain.OCAFile: oca,
		certchain.CEKFile: cek,
	} {
		raw, err := cert.MarshalBinary()
		if err != nil {
			return nil, err
		}
		files[name] = raw
	}

	arkID := uuid.New()
	askArk := append(amdCert(uuid.New(), arkID, 0x13), amdCert(arkID, arkID, 0)...)
	files[certchain.ASKARKFile] = askArk

	return &Platform{opts: opts, pdhKey: pdhKey, files: files}, nil
}

// amdCert builds an AMD format root certificate (ASK or ARK) with a random
// 4096 bit modulus. Only the layout is meaningful.
func amdCert(keyID, certifyingID uuid.UUID, usage uint32) []byte {
	const (
		pubExpBits  = 2048
		modulusBits = 4096
	)
	out := make([]byte, 0x40+pubExpBits/8+2*modulusBits/8)
	binary.LittleEndian.PutUint32(out[0x00:], 1)
	copy(out[0x04:0x14], keyID[:])
	copy(out[0x14:0x24], certifyingID[:])
	binary.LittleEndian.PutUint32(out[0x24:], usage)
	binary.LittleEndian.PutUint32(out[0x38:], pubExpBits)
	binary.LittleEndian.PutUint32(out[0x3C:], modulusBits)
	out[0x40] = 0x01
	out[0x42] = 0x01
	rand.Read(out[0x40+pubExpBits/8:])
	return out
}

// Options returns the firmware options of the platform.
func (p *Platform) Options() Options {
	return p.opts
}

// Files returns a copy of the platform certificate files.
func (p *Platform) Files() map[string][]byte {
	out := make(map[string][]byte, len(p.files))
	for name, content := range p.files {
		out[name] = append([]byte(nil), content...)
	}
	return out
}

// Archive returns the certificate files as served by an orchestrator.
func (p *Platform) Archive() ([]byte, error) {
	return certchain.BuildArchive(p.files)
}

// Launch plays LAUNCH_START: it derives the session keys from the guest
// owner's certificate and launch blob and checks the policy MAC.
func (p *Platform) Launch(godhCert, launchBlob []byte) (*Guest, error) {
	cert, err := cryptoutils.ParseSevCert(godhCert)
	if err != nil {
		return nil, err
	}
	peer, err := cert.ECDHPublicKey()
	if err != nil {
		return nil, err
	}
	blob, err := launch.ParseLaunchBlob(launchBlob)
	if err != nil {
		return nil, err
	}

	shared, err := cryptoutils.SharedSecret(p.pdhKey, peer)
	if err != nil {
		return nil, err
	}
	keys, err := launch.DeriveSessionKeys(shared, blob.Nonce[:])
	shared.Destroy()
	if err != nil {
		return nil, err
	}

	if !blob.VerifyPolicyMAC(keys.TIK.Bytes()) {
		keys.Destroy()
		return nil, fmt.Errorf("launch blob policy MAC does not verify")
	}

	return &Guest{
		sevInfo: launch.SevInfo{
			APIMajor: p.opts.APIMajor,
			APIMinor: p.opts.APIMinor,
			BuildID:  p.opts.BuildID,
			Policy:   blob.Policy,
		},
		firmwareDigest: p.opts.FirmwareDigest,
		keys:           keys,
	}, nil
}

// Guest is a launched guest waiting for its secret.
type Guest struct {
	sevInfo        launch.SevInfo
	firmwareDigest [launch.DigestSize]byte
	keys           *launch.SessionKeys
}

// SevInfo returns the platform build information of the launch.
func (g *Guest) SevInfo() launch.SevInfo {
	return g.sevInfo
}

// Measure plays LAUNCH_MEASURE and returns digest || nonce.
func (g *Guest) Measure() ([]byte, error) {
	var nonce [launch.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	digest := launch.ComputeExpectedMeasure(g.sevInfo.Bytes(), g.keys.TIK.Bytes(), g.firmwareDigest, nonce)
	return append(digest[:], nonce[:]...), nil
}

// InjectSecret plays LAUNCH_SECRET: it authenticates the packet, decrypts
// it and returns the secret table entries.
func (g *Guest) InjectSecret(header, ciphertext []byte) ([]launch.SecretEntry, error) {
	h, err := launch.ParsePacketHeader(header)
	if err != nil {
		return nil, err
	}
	if h.Flags != 0 || int(h.CiphertextLength) != len(ciphertext) || h.PlaintextLength > h.CiphertextLength {
		return nil, fmt.Errorf("packet header does not describe the secret")
	}
	mac := cryptoutils.HMACSHA256(g.keys.TIK.Bytes(), h.IV[:], ciphertext)
	if !hmac.Equal(mac[:], h.MAC[:]) {
		return nil, fmt.Errorf("packet MAC does not verify")
	}

	plaintext, err := launch.Decrypt(ciphertext, g.keys.TEK.Bytes(), h.IV)
	if err != nil {
		return nil, err
	}
	entries, err := launch.ParseSecretTable(plaintext)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Value = append([]byte(nil), entries[i].Value...)
	}
	return entries, nil
}
