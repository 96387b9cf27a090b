package launch

import (
	"fmt"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// State is the client observed phase of a VM launch.
type State int

const (
	Uninitialized State = iota
	// CertExchanged: platform certificates validated, launch blob generated and uploaded.
	CertExchanged
	// MeasurePending: the platform reported a launch measurement.
	MeasurePending
	// MeasureVerified: the measurement matched the expected value.
	MeasureVerified
	// SecretInjected: the platform accepted the secret packet.
	SecretInjected
	// Running: the guest was resumed.
	Running
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case CertExchanged:
		return "cert_exchanged"
	case MeasurePending:
		return "measure_pending"
	case MeasureVerified:
		return "measure_verified"
	case SecretInjected:
		return "secret_injected"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Uninitialized; st <= Running; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: unknown launch state %q", interfaces.ErrEncoding, text)
}

// CanTransition reports whether moving from s to next is allowed. A session
// can always be restarted from CertExchanged until it is running; every
// other move advances by exactly one phase.
func (s State) CanTransition(next State) bool {
	if next == CertExchanged {
		return s != Running
	}
	return next == s+1 && next <= Running
}
