// Package platformsim simulates the platform side of an SEV launch: the
// secure processor holding the PDH key and an orchestrator serving its
// HTTP API. It implements the firmware half of the protocol (key
// agreement, measurement, secret unwrapping) and is used to exercise the
// guest-owner client end to end without SEV hardware.
package platformsim
