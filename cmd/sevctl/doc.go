// Command sevctl is the guest owner's command line for launching AMD SEV
// VMs on a remote orchestrator.
//
// A launch goes through these steps:
//
//	sevctl certificate validate
//	sevctl vm create --name web
//	sevctl vm upload-image --vm-id $VM --image disk.tar
//	sevctl certificate generate --vm-id $VM --policy 0x1
//	sevctl vm upload-certificates --vm-id $VM
//	sevctl vm start --vm-id $VM
//	sevctl vm inject-secret --vm-id $VM
//
// Session keys created by "certificate generate" are sealed with the
// keystore passphrase and kept in the configured keystores until the
// secret is injected, so each step may run in a separate invocation.
// "vm inject-secret" refuses to release anything unless the launch
// measurement reported by the platform matches the expected one.
//
// Defaults for the connection flags can be kept in a YAML profile
// (--config) or in a .env file.
package main
