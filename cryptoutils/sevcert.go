package cryptoutils

import (
	"bytes"
	"crypto/ecdh"
	"encoding/binary"
	"fmt"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// SevCertSize is the size of a platform certificate (PDH, PEK, OCA, CEK) in
// the AMD SEV API certificate format.
const SevCertSize = 0x824

const (
	sevCertVersion = 1

	// CurveP384 is the SEV API identifier of NIST P-384.
	CurveP384 = 2

	ecCoordSize = 0x48
	p384Size    = 48
)

// KeyUsage identifies the role of a key in the SEV certificate chain.
type KeyUsage uint32

const (
	UsageARK     KeyUsage = 0x0
	UsageASK     KeyUsage = 0x13
	UsageInvalid KeyUsage = 0x1000
	UsageOCA     KeyUsage = 0x1001
	UsagePEK     KeyUsage = 0x1002
	UsagePDH     KeyUsage = 0x1003
	UsageCEK     KeyUsage = 0x1004
)

func (u KeyUsage) String() string {
	switch u {
	case UsageARK:
		return "ARK"
	case UsageASK:
		return "ASK"
	case UsageInvalid:
		return "invalid"
	case UsageOCA:
		return "OCA"
	case UsagePEK:
		return "PEK"
	case UsagePDH:
		return "PDH"
	case UsageCEK:
		return "CEK"
	default:
		return fmt.Sprintf("usage(0x%x)", uint32(u))
	}
}

// KeyAlgo identifies the algorithm of a key or signature.
type KeyAlgo uint32

const (
	AlgoInvalid     KeyAlgo = 0x0
	AlgoRSASHA256   KeyAlgo = 0x1
	AlgoECDSASHA256 KeyAlgo = 0x13
	AlgoECDHSHA256  KeyAlgo = 0x14
	AlgoRSASHA384   KeyAlgo = 0x101
	AlgoECDSASHA384 KeyAlgo = 0x113
	AlgoECDHSHA384  KeyAlgo = 0x114
)

// IsECDSA reports whether the algorithm designates an ECDSA signing key.
func (a KeyAlgo) IsECDSA() bool {
	return a == AlgoECDSASHA256 || a == AlgoECDSASHA384
}

// IsECDH reports whether the algorithm designates a Diffie-Hellman key.
func (a KeyAlgo) IsECDH() bool {
	return a == AlgoECDHSHA256 || a == AlgoECDHSHA384
}

// ECPublicKey is the elliptic curve public key area of a SEV certificate.
// Coordinates are little-endian and zero extended to 72 bytes.
type ECPublicKey struct {
	Curve    uint32
	QX       [ecCoordSize]byte
	QY       [ecCoordSize]byte
	Reserved [0x370]byte
}

// SevCert is a platform or guest-owner certificate in the AMD SEV API
// format. The layout matches the wire format field by field, so it can be
// read and written with encoding/binary.
type SevCert struct {
	Version     uint32
	APIMajor    uint8
	APIMinor    uint8
	Reserved    [2]byte
	PubKeyUsage KeyUsage
	PubKeyAlgo  KeyAlgo
	PubKey      ECPublicKey
	Sig1Usage   KeyUsage
	Sig1Algo    KeyAlgo
	Sig1        [0x200]byte
	Sig2Usage   KeyUsage
	Sig2Algo    KeyAlgo
	Sig2        [0x200]byte
}

// ParseSevCert decodes a certificate in the SEV API format.
func ParseSevCert(data []byte) (*SevCert, error) {
	if len(data) != SevCertSize {
		return nil, fmt.Errorf("%w: sev certificate is %d bytes, expected %d", interfaces.ErrEncoding, len(data), SevCertSize)
	}

	cert := &SevCert{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, cert); err != nil {
		return nil, fmt.Errorf("%w: could not decode sev certificate: %v", interfaces.ErrEncoding, err)
	}
	if cert.Version != sevCertVersion {
		return nil, fmt.Errorf("%w: unsupported sev certificate version %d", interfaces.ErrEncoding, cert.Version)
	}
	return cert, nil
}

// MarshalBinary encodes the certificate in the SEV API format.
func (c *SevCert) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SevCertSize))
	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return nil, fmt.Errorf("%w: could not encode sev certificate: %v", interfaces.ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

// ECDHPublicKey returns the Diffie-Hellman public key carried by the
// certificate. It fails with ErrKeyAgreement unless the certificate holds a
// valid P-384 point.
func (c *SevCert) ECDHPublicKey() (*ecdh.PublicKey, error) {
	if !c.PubKeyAlgo.IsECDH() {
		return nil, fmt.Errorf("%w: %s key algorithm 0x%x is not ECDH", interfaces.ErrKeyAgreement, c.PubKeyUsage, uint32(c.PubKeyAlgo))
	}
	if c.PubKey.Curve != CurveP384 {
		return nil, fmt.Errorf("%w: unsupported curve %d", interfaces.ErrKeyAgreement, c.PubKey.Curve)
	}

	point, err := c.uncompressedPoint()
	if err != nil {
		return nil, err
	}

	// NewPublicKey rejects points off the curve and the point at infinity.
	pub, err := ecdh.P384().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyAgreement, err)
	}
	return pub, nil
}

// NewGuestOwnerCert wraps the guest owner's ephemeral Diffie-Hellman public
// key in a SEV format certificate. Guest-owner certificates are not signed,
// so both signature slots are marked invalid.
func NewGuestOwnerCert(pub *ecdh.PublicKey, apiMajor, apiMinor uint8) (*SevCert, error) {
	return NewDHCert(pub, UsagePDH, apiMajor, apiMinor)
}

// newSevCert builds an unsigned certificate around an uncompressed P-384
// point given without its 0x04 prefix.
func newSevCert(usage KeyUsage, algo KeyAlgo, point []byte, apiMajor, apiMinor uint8) *SevCert {
	cert := &SevCert{
		Version:     sevCertVersion,
		APIMajor:    apiMajor,
		APIMinor:    apiMinor,
		PubKeyUsage: usage,
		PubKeyAlgo:  algo,
		Sig1Usage:   UsageInvalid,
		Sig1Algo:    AlgoInvalid,
		Sig2Usage:   UsageInvalid,
		Sig2Algo:    AlgoInvalid,
	}
	cert.PubKey.Curve = CurveP384
	beCoordToLE(cert.PubKey.QX[:], point[:p384Size])
	beCoordToLE(cert.PubKey.QY[:], point[p384Size:])
	return cert
}

// uncompressedPoint returns the public key as 0x04 || X || Y, big-endian.
func (c *SevCert) uncompressedPoint() ([]byte, error) {
	x, err := leCoordToBE(c.PubKey.QX[:])
	if err != nil {
		return nil, err
	}
	y, err := leCoordToBE(c.PubKey.QY[:])
	if err != nil {
		return nil, err
	}

	point := make([]byte, 0, 1+2*p384Size)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	return point, nil
}

// leCoordToBE converts a zero extended little-endian coordinate into a
// 48-byte big-endian one.
func leCoordToBE(le []byte) ([]byte, error) {
	for _, b := range le[p384Size:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: coordinate exceeds curve size", interfaces.ErrKeyAgreement)
		}
	}
	be := make([]byte, p384Size)
	for i := 0; i < p384Size; i++ {
		be[i] = le[p384Size-1-i]
	}
	return be, nil
}

func beCoordToLE(dst, be []byte) {
	for i := range be {
		dst[i] = be[len(be)-1-i]
	}
}
