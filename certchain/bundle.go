package certchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// Certificate file names inside a platform bundle, as exported by the
// platform and consumed by sevtool.
const (
	PDHFile    = "pdh.cert"
	PEKFile    = "pek.cert"
	OCAFile    = "oca.cert"
	CEKFile    = "cek.cert"
	ASKARKFile = "ask_ark.cert"
)

// Bundle is the certificate set of one platform. A Bundle is immutable;
// Validate returns a validated copy.
type Bundle struct {
	server    interfaces.ServerIdentity
	files     map[string][]byte
	validated bool
}

// NewBundle wraps the certificate files fetched from server. The bundle
// must at least contain the platform Diffie-Hellman certificate.
func NewBundle(server interfaces.ServerIdentity, files map[string][]byte) (*Bundle, error) {
	if _, ok := files[PDHFile]; !ok {
		return nil, fmt.Errorf("%w: bundle from %s has no %s", interfaces.ErrCertificateChain, server, PDHFile)
	}
	b := &Bundle{server: server, files: make(map[string][]byte, len(files))}
	for name, content := range files {
		if name == "" || filepath.Base(name) != name {
			return nil, fmt.Errorf("%w: invalid certificate file name %q", interfaces.ErrEncoding, name)
		}
		b.files[name] = append([]byte(nil), content...)
	}
	return b, nil
}

// Server returns the identity of the platform the bundle was fetched from.
func (b *Bundle) Server() interfaces.ServerIdentity {
	return b.server
}

// Names returns the sorted file names of the bundle.
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File returns a copy of one certificate file.
func (b *Bundle) File(name string) ([]byte, bool) {
	content, ok := b.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), content...), true
}

// Validated reports whether the chain passed a CertificateValidator.
func (b *Bundle) Validated() bool {
	return b.validated
}

// PDH parses the platform Diffie-Hellman certificate.
func (b *Bundle) PDH() (*cryptoutils.SevCert, error) {
	cert, err := cryptoutils.ParseSevCert(b.files[PDHFile])
	if err != nil {
		return nil, fmt.Errorf("%w: %s from %s: %v", interfaces.ErrCertificateChain, PDHFile, b.server, err)
	}
	if cert.PubKeyUsage != cryptoutils.UsagePDH {
		return nil, fmt.Errorf("%w: %s from %s has usage %s", interfaces.ErrCertificateChain, PDHFile, b.server, cert.PubKeyUsage)
	}
	return cert, nil
}

// WriteDir writes the bundle files into dir.
func (b *Bundle) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	for name, content := range b.files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// Validate runs v over the bundle materialized in a temporary directory.
// It returns a validated copy, or ErrCertificateChain when v rejects the
// chain.
func (b *Bundle) Validate(ctx context.Context, v interfaces.CertificateValidator) (*Bundle, error) {
	dir, err := os.MkdirTemp("", "sev-certificates-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := b.WriteDir(dir); err != nil {
		return nil, err
	}

	ok, err := v.Validate(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("certificate validation for %s failed: %w", b.server, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: certificates of %s are invalid", interfaces.ErrCertificateChain, b.server)
	}

	return &Bundle{server: b.server, files: b.files, validated: true}, nil
}

// Archive packs the bundle files into a zip archive.
func (b *Bundle) Archive() ([]byte, error) {
	return BuildArchive(b.files)
}
