package interfaces

import "context"

// CertificateValidator decides whether a directory of platform certificates
// (pdh.cert, pek.cert, oca.cert, cek.cert, ask.cert, ark.cert) forms a chain
// anchored at the AMD root. Validation logic lives outside this module; the
// implementation may shell out to an isolated tool.
type CertificateValidator interface {
	Validate(ctx context.Context, dir string) (bool, error)
}
