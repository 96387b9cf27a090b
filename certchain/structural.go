package certchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/go-sev-guest/abi"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

const (
	askVersion  = 1
	askKeyUsage = 0x13
	arkVersion  = 1
	arkKeyUsage = 0
)

// StructuralValidator checks a certificate chain in process:
//
//   - PDH, PEK and OCA parse as SEV certificates with the expected usages
//   - OCA is self-signed, PEK is signed by OCA, PDH is signed by PEK
//   - CEK parses and declares a signature by the ASK
//   - ASK and ARK (ask_ark.cert), when present, parse in the AMD format and
//     the ASK is certified by the ARK
//
// RSA signatures by the ASK and ARK are not checked.
type StructuralValidator struct {
	// RequireRoots fails validation when cek.cert or ask_ark.cert is absent.
	RequireRoots bool
	log          *slog.Logger
}

// NewStructuralValidator returns a StructuralValidator.
func NewStructuralValidator(requireRoots bool, log *slog.Logger) *StructuralValidator {
	return &StructuralValidator{RequireRoots: requireRoots, log: log}
}

// Validate implements interfaces.CertificateValidator. Every problem found
// is logged; the returned error is reserved for I/O failures.
func (v *StructuralValidator) Validate(ctx context.Context, dir string) (bool, error) {
	if err := v.check(dir); err != nil {
		var chainErr *multierror.Error
		if errors.As(err, &chainErr) {
			for _, e := range chainErr.Errors {
				v.log.Warn("Certificate chain check failed", slog.String("dir", dir), "err", e)
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func readCert(dir, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, true, nil
}

func (v *StructuralValidator) check(dir string) error {
	var problems *multierror.Error

	load := func(name string, usage cryptoutils.KeyUsage, required bool) (*cryptoutils.SevCert, error) {
		data, ok, err := readCert(dir, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			if required {
				problems = multierror.Append(problems, fmt.Errorf("%w: %s is missing", interfaces.ErrCertificateChain, name))
			}
			return nil, nil
		}
		cert, err := cryptoutils.ParseSevCert(data)
		if err != nil {
			problems = multierror.Append(problems, fmt.Errorf("%w: %s: %v", interfaces.ErrCertificateChain, name, err))
			return nil, nil
		}
		if cert.PubKeyUsage != usage {
			problems = multierror.Append(problems, fmt.Errorf("%w: %s has usage %s, expected %s", interfaces.ErrCertificateChain, name, cert.PubKeyUsage, usage))
			return nil, nil
		}
		return cert, nil
	}

	pdh, err := load(PDHFile, cryptoutils.UsagePDH, true)
	if err != nil {
		return err
	}
	pek, err := load(PEKFile, cryptoutils.UsagePEK, true)
	if err != nil {
		return err
	}
	oca, err := load(OCAFile, cryptoutils.UsageOCA, true)
	if err != nil {
		return err
	}
	cek, err := load(CEKFile, cryptoutils.UsageCEK, v.RequireRoots)
	if err != nil {
		return err
	}

	if pdh != nil {
		if _, err := pdh.ECDHPublicKey(); err != nil {
			problems = multierror.Append(problems, fmt.Errorf("%w: %s: %v", interfaces.ErrCertificateChain, PDHFile, err))
		}
	}
	if oca != nil {
		if err := oca.VerifySignedBy(oca); err != nil {
			problems = multierror.Append(problems, err)
		}
	}
	if pek != nil && oca != nil {
		if err := pek.VerifySignedBy(oca); err != nil {
			problems = multierror.Append(problems, err)
		}
	}
	if pdh != nil && pek != nil {
		if err := pdh.VerifySignedBy(pek); err != nil {
			problems = multierror.Append(problems, err)
		}
	}
	if pek != nil && cek != nil && pek.Sig1Usage != cryptoutils.UsageCEK && pek.Sig2Usage != cryptoutils.UsageCEK {
		problems = multierror.Append(problems, fmt.Errorf("%w: %s carries no CEK signature", interfaces.ErrCertificateChain, PEKFile))
	}
	if cek != nil && cek.Sig1Usage != cryptoutils.UsageASK && cek.Sig2Usage != cryptoutils.UsageASK {
		problems = multierror.Append(problems, fmt.Errorf("%w: %s carries no ASK signature", interfaces.ErrCertificateChain, CEKFile))
	}

	askArk, ok, err := readCert(dir, ASKARKFile)
	if err != nil {
		return err
	}
	switch {
	case ok:
		if err := checkAskArk(askArk); err != nil {
			problems = multierror.Append(problems, err)
		}
	case v.RequireRoots:
		problems = multierror.Append(problems, fmt.Errorf("%w: %s is missing", interfaces.ErrCertificateChain, ASKARKFile))
	}

	return problems.ErrorOrNil()
}

// checkAskArk follows the AMD SEV API steps for the ASK and ARK in the
// AMD certificate format: versions, key usages and certifying ids.
func checkAskArk(data []byte) error {
	ask, n, err := abi.ParseAskCert(data)
	if err != nil {
		return fmt.Errorf("%w: could not parse ASK certificate: %v", interfaces.ErrCertificateChain, err)
	}
	ark, _, err := abi.ParseAskCert(data[n:])
	if err != nil {
		return fmt.Errorf("%w: could not parse ARK certificate: %v", interfaces.ErrCertificateChain, err)
	}

	if err := checkAMDCert(ask, ark, askVersion, askKeyUsage, "ASK", "ARK"); err != nil {
		return err
	}
	return checkAMDCert(ark, ark, arkVersion, arkKeyUsage, "ARK", "ARK")
}

func checkAMDCert(subject, issuer *abi.AskCert, version, keyUsage uint32, subjectRole, issuerRole string) error {
	if subject.Version != version {
		return fmt.Errorf("%w: %s certificate is version %d, expected %d", interfaces.ErrCertificateChain, subjectRole, subject.Version, version)
	}
	if subject.KeyUsage != keyUsage {
		return fmt.Errorf("%w: %s certificate key usage is 0x%x, expected 0x%x", interfaces.ErrCertificateChain, subjectRole, subject.KeyUsage, keyUsage)
	}
	if !bytes.Equal(subject.CertifyingID[:], issuer.KeyID[:]) {
		return fmt.Errorf("%w: %s certifying id %x is not %s key id %x", interfaces.ErrCertificateChain, subjectRole, subject.CertifyingID[:], issuerRole, issuer.KeyID[:])
	}
	return nil
}
