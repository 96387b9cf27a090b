package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ContentType indicates the storage namespace of an artifact.
type ContentType int

const (
	// CertificateType for platform certificate bundles, keyed by server identity
	CertificateType ContentType = iota
	// LaunchType for guest-owner launch artifacts (godh.cert, launch_blob.bin), keyed by vm id
	LaunchType
	// SessionKeyType for sealed session keys, keyed by vm id
	SessionKeyType
)

// String returns type name.
func (ct ContentType) String() string {
	switch ct {
	case CertificateType:
		return "certificates"
	case LaunchType:
		return "launch"
	case SessionKeyType:
		return "session-keys"
	default:
		return "unknown"
	}
}

// ArtifactKey addresses a single stored artifact.
type ArtifactKey struct {
	// Type selects the namespace.
	Type ContentType
	// Owner is the vm id or the path-safe server identity.
	Owner string
	// Name is the file name of the artifact, e.g. "pdh.cert".
	Name string
}

// NewArtifactKey validates owner and name before building a key, since both
// end up as path components in file and object stores.
func NewArtifactKey(contentType ContentType, owner, name string) (ArtifactKey, error) {
	for _, part := range []string{owner, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return ArtifactKey{}, fmt.Errorf("%w: invalid artifact key component %q", ErrConfig, part)
		}
	}
	return ArtifactKey{Type: contentType, Owner: owner, Name: name}, nil
}

// Path returns the slash separated relative location of the artifact.
func (k ArtifactKey) Path() string {
	return k.Type.String() + "/" + k.Owner + "/" + k.Name
}

func (k ArtifactKey) String() string {
	return k.Path()
}

// StorageBackendLocation is a URI selecting a storage backend, e.g.
// file:///var/lib/sev, vault://host:8200/secret/sev, s3://bucket/prefix.
type StorageBackendLocation string

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend persists launch artifacts.
type StorageBackend interface {
	// Fetch retrieves an artifact. Returns ErrContentNotFound if absent.
	Fetch(ctx context.Context, key ArtifactKey) ([]byte, error)

	// Store saves an artifact, replacing any previous value.
	Store(ctx context.Context, key ArtifactKey, data []byte) error

	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, key ArtifactKey) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, s3://, vault://
	StorageBackendFor(locationURI StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locationURIs []StorageBackendLocation) (StorageBackend, error)
}
