// Package interfaces defines core interfaces and types shared by the SEV
// guest-owner packages, separating interface definitions from
// implementations.
//
// # Identifiers
//
// VMID: identifier of a VM on the orchestrator, safe to use as a storage key.
//
// ServerIdentity: host[:port] of an orchestrator URL. Platform certificate
// bundles are cached and stored per identity.
//
// # Storage Interfaces
//
// StorageBackend: keyed artifact storage for certificate bundles, launch
// artifacts and sealed session keys across file, S3 and Vault backends.
//
// StorageBackendFactory: creates storage backends from URI strings and
// manages multi-backend configurations for redundant storage.
//
// # Validation
//
// CertificateValidator: the oracle that decides platform certificate chain
// validity.
//
// # Errors
//
// Every failure surfaced by the launch flow wraps one of the sentinel errors
// (ErrConfig, ErrTransport, ErrCertificateChain, ErrKeyAgreement,
// ErrMissingKeys, ErrMeasurementMismatch, ErrEncoding, ErrLaunchInProgress),
// so callers can branch with errors.Is. TransportError and
// MeasurementMismatchError carry the details.
package interfaces
