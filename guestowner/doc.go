// Package guestowner drives the guest-owner side of an SEV launch against
// one orchestrator.
//
// A launch runs in three steps, usually from separate processes:
//
//  1. GenerateGuestOwnerCertificates (or PrepareLaunch, which also uploads)
//     validates the platform certificates, generates the GODH certificate
//     and launch blob and persists the sealed session keys.
//  2. The VM is started by the orchestrator with the uploaded artifacts.
//  3. InjectSecret fetches the launch measurement, verifies it against the
//     persisted session and only then packages and delivers the secret.
//
// A measurement mismatch ends the session: the keys are erased and no
// secret leaves the process.
package guestowner
