// Package cryptoutils provides the cryptographic building blocks of the SEV
// guest-owner launch flow.
//
// # Key Agreement
//
// The guest owner generates an ephemeral P-384 key pair (GODH) per launch
// and performs ECDH against the platform Diffie-Hellman key (PDH) taken from
// the platform certificate. Session keys are expanded from the shared
// secret with HKDF-SHA-256 (DeriveKey).
//
// # SEV Certificates
//
// SevCert reads and writes the 0x824 byte AMD SEV API certificate format
// used for the PDH, PEK, OCA and CEK certificates and for the guest-owner
// certificate (godh.cert). Multi-byte fields are little-endian; curve
// coordinates are little-endian and zero extended to 72 bytes.
//
// # Symmetric Primitives
//
//   - AESCTR: AES-128 counter mode used to encrypt the secret table with TEK
//   - HMACSHA256: transport and measurement MACs keyed with TIK
//
// # Secret Handling
//
// SecretBytes owns key material and zeroes it on Destroy. WithSecret scopes
// a scratch buffer to a callback. Sealer protects secrets written to
// persistent storage with argon2id and XChaCha20-Poly1305.
package cryptoutils
