// Package launch implements the guest-owner side of the SEV launch
// protocol: session establishment, measurement verification and secret
// packaging.
//
// A launch moves through the states of State. GenerateLaunchBlob performs
// the key agreement against the platform PDH and yields the artifacts to
// upload together with the session keys (TIK, TEK). The keys are sealed into
// a SessionStore until the platform reports its launch measurement.
//
// The measurement check is the trust gate of the protocol. SessionStore.Resume
// returns a PendingLaunch; only PendingLaunch.Verify can produce a
// VerifiedLaunch, and only a VerifiedLaunch can package a secret. A failed
// verification destroys the keys and the session must be restarted from
// scratch.
//
// Wire formats (all little-endian):
//
//	launch blob:    [nonce (16)][policy (u32)][reserved (u32)][HMAC(TIK, policy) (32)]
//	measure:        HMAC(TIK, 0x04 || sev_info || firmware digest (32) || mnonce (16))
//	packet header:  [flags (u32)][iv (16)][HMAC(TIK, iv || ciphertext) (32)][plaintext len (u32)][ciphertext len (u32)]
//	secret:         AES-128-CTR(TEK, iv, secret table)
package launch
