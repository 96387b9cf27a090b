// Command sevd serves the guest-owner side of SEV launches over HTTP for
// automation. It holds the keystore passphrase and exposes:
//
//	GET    /api/launch                         launch states
//	GET    /api/launch/{vm_id}                 launch state of one VM
//	DELETE /api/launch/{vm_id}                 discard the launch session
//	POST   /api/launch/{vm_id}/certificates    generate and upload the guest owner certificates
//	POST   /api/launch/{vm_id}/secret          verify the measurement and inject the secret
//	POST   /api/policy                         encode a guest policy
//
// plus /livez, /readyz, /drain and /undrain, and Prometheus metrics on
// --metrics-addr.
package main
