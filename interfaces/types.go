// Package interfaces defines the core interfaces and types shared by the
// guest-owner components. It provides the contract between packages without
// implementation details.
package interfaces

import (
	"fmt"
	"net/url"
	"strings"
)

// VMID identifies a VM on the orchestrator. It is also used as a storage
// key, so it may not contain path separators.
type VMID string

// NewVMID validates a VM identifier as returned by the orchestrator.
func NewVMID(id string) (VMID, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty vm id", ErrConfig)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: vm id %q contains path elements", ErrConfig, id)
	}
	return VMID(id), nil
}

func (id VMID) String() string {
	return string(id)
}

// ServerIdentity identifies a platform by the host[:port] of its
// orchestrator URL. Certificate bundles are cached per identity.
type ServerIdentity string

// ServerIdentityFromURL derives the identity of the platform behind an
// orchestrator base URL.
func ServerIdentityFromURL(rawURL string) (ServerIdentity, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid server url: %v", ErrConfig, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: server url %q has no host", ErrConfig, rawURL)
	}
	return ServerIdentity(strings.ToLower(u.Host)), nil
}

func (s ServerIdentity) String() string {
	return string(s)
}

// PathSafe returns the identity with the port separator replaced, usable as
// a single path segment or object key component.
func (s ServerIdentity) PathSafe() string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(string(s))
}
