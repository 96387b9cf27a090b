// Package storage persists guest-owner artifacts behind pluggable backends.
//
// Three kinds of artifacts are stored, each in its own namespace:
//
//   - certificates/<server>/<file>: platform certificate bundles fetched from an orchestrator
//   - launch/<vm>/<file>: the generated godh.cert and launch_blob.bin
//   - session-keys/<vm>/tk.sealed: sealed TEK/TIK material
//
// # Storage URI Format
//
// Backends are selected with a location URI:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/sev-guest-owner
//   - vault://vault.example.com:8200/secret/sev (token from VAULT_TOKEN)
//   - s3://bucket-name/prefix/?region=us-west-2
//
// A location without a scheme is a file path.
//
// # Redundancy
//
// Several locations can be combined with StorageBackendFactory.CreateMultiBackend.
// Reads fall back across backends in order; writes go to every available
// backend; deletes must succeed everywhere.
//
// # Secrets
//
// Backends never see plaintext key material: session keys are sealed by
// the launch package before they are stored. The file backend still creates
// directories 0700 and files 0600.
package storage
