package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// sevSignedSize is the prefix of a certificate covered by its signatures:
// the header and the public key area.
const sevSignedSize = 16 + 0x404

// signedBytes returns the portion of the certificate covered by signatures.
func (c *SevCert) signedBytes() ([]byte, error) {
	raw, err := c.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return raw[:sevSignedSize], nil
}

func sevDigest(algo KeyAlgo, data []byte) ([]byte, error) {
	switch algo {
	case AlgoECDSASHA256:
		d := sha256.Sum256(data)
		return d[:], nil
	case AlgoECDSASHA384:
		d := sha512.Sum384(data)
		return d[:], nil
	default:
		return nil, fmt.Errorf("%w: signature algorithm 0x%x is not ECDSA", interfaces.ErrCertificateChain, uint32(algo))
	}
}

// ECDSAPublicKey returns the signing key carried by an ECDSA certificate
// (PEK, OCA).
func (c *SevCert) ECDSAPublicKey() (*ecdsa.PublicKey, error) {
	if !c.PubKeyAlgo.IsECDSA() {
		return nil, fmt.Errorf("%w: %s key algorithm 0x%x is not ECDSA", interfaces.ErrCertificateChain, c.PubKeyUsage, uint32(c.PubKeyAlgo))
	}
	if c.PubKey.Curve != CurveP384 {
		return nil, fmt.Errorf("%w: unsupported curve %d", interfaces.ErrCertificateChain, c.PubKey.Curve)
	}
	point, err := c.uncompressedPoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCertificateChain, err)
	}
	if _, err := ecdh.P384().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: %s key: %v", interfaces.ErrCertificateChain, c.PubKeyUsage, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P384(),
		X:     new(big.Int).SetBytes(point[1 : 1+p384Size]),
		Y:     new(big.Int).SetBytes(point[1+p384Size:]),
	}, nil
}

// VerifySignedBy checks that one of the signature slots holds a valid
// signature by signer. The slot is selected by the signer's key usage.
func (c *SevCert) VerifySignedBy(signer *SevCert) error {
	pub, err := signer.ECDSAPublicKey()
	if err != nil {
		return err
	}

	var algo KeyAlgo
	var sig []byte
	switch signer.PubKeyUsage {
	case c.Sig1Usage:
		algo, sig = c.Sig1Algo, c.Sig1[:]
	case c.Sig2Usage:
		algo, sig = c.Sig2Algo, c.Sig2[:]
	default:
		return fmt.Errorf("%w: %s certificate carries no signature by %s", interfaces.ErrCertificateChain, c.PubKeyUsage, signer.PubKeyUsage)
	}

	data, err := c.signedBytes()
	if err != nil {
		return err
	}
	digest, err := sevDigest(algo, data)
	if err != nil {
		return err
	}

	r, err := leCoordToBE(sig[:ecCoordSize])
	if err != nil {
		return fmt.Errorf("%w: malformed signature", interfaces.ErrCertificateChain)
	}
	s, err := leCoordToBE(sig[ecCoordSize : 2*ecCoordSize])
	if err != nil {
		return fmt.Errorf("%w: malformed signature", interfaces.ErrCertificateChain)
	}

	if !ecdsa.Verify(pub, digest, new(big.Int).SetBytes(r), new(big.Int).SetBytes(s)) {
		return fmt.Errorf("%w: %s signature on %s certificate does not verify", interfaces.ErrCertificateChain, signer.PubKeyUsage, c.PubKeyUsage)
	}
	return nil
}

// Sign fills signature slot 1 or 2 with an ECDSA signature made with priv,
// tagged with the signer's key usage.
func (c *SevCert) Sign(slot int, signerUsage KeyUsage, algo KeyAlgo, priv *ecdsa.PrivateKey) error {
	data, err := c.signedBytes()
	if err != nil {
		return err
	}
	digest, err := sevDigest(algo, data)
	if err != nil {
		return err
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return fmt.Errorf("failed to sign %s certificate: %w", c.PubKeyUsage, err)
	}

	var sig [0x200]byte
	beCoordToLE(sig[:ecCoordSize], r.FillBytes(make([]byte, p384Size)))
	beCoordToLE(sig[ecCoordSize:2*ecCoordSize], s.FillBytes(make([]byte, p384Size)))

	switch slot {
	case 1:
		c.Sig1Usage, c.Sig1Algo, c.Sig1 = signerUsage, algo, sig
	case 2:
		c.Sig2Usage, c.Sig2Algo, c.Sig2 = signerUsage, algo, sig
	default:
		return fmt.Errorf("%w: signature slot %d", interfaces.ErrEncoding, slot)
	}
	return nil
}

// NewSigningCert wraps a P-384 ECDSA public key in an unsigned SEV format
// certificate with the given usage.
func NewSigningCert(pub *ecdsa.PublicKey, usage KeyUsage, apiMajor, apiMinor uint8) (*SevCert, error) {
	ecdhPub, err := pub.ECDH()
	if err != nil || ecdhPub.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: %s key must be on P-384", interfaces.ErrCertificateChain, usage)
	}
	return newSevCert(usage, AlgoECDSASHA256, ecdhPub.Bytes()[1:], apiMajor, apiMinor), nil
}

// NewDHCert wraps a P-384 Diffie-Hellman public key in an unsigned SEV
// format certificate with the given usage.
func NewDHCert(pub *ecdh.PublicKey, usage KeyUsage, apiMajor, apiMinor uint8) (*SevCert, error) {
	if pub.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: %s key must be on P-384", interfaces.ErrKeyAgreement, usage)
	}
	return newSevCert(usage, AlgoECDHSHA256, pub.Bytes()[1:], apiMajor, apiMinor), nil
}
