// Package policy encodes and decodes the SEV guest policy, the 32-bit value
// the guest owner binds to a launch and the firmware enforces for the
// lifetime of the guest.
package policy

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

const (
	bitNoDebug       = 1 << 0
	bitNoKeySharing  = 1 << 1
	bitSevES         = 1 << 2
	bitNoSend        = 1 << 3
	bitDomainLimited = 1 << 4
	bitSevLimited    = 1 << 5

	flagsMask    = 0x3F
	reservedMask = 0xFFC0
	majorShift   = 16
	minorShift   = 24
)

// Flags holds the six boolean properties of a guest policy. The zero value
// is the most permissive policy.
type Flags struct {
	// NoDebug disables debugging of the guest by the hypervisor.
	NoDebug bool `json:"no_debug" yaml:"no_debug"`
	// NoKeySharing prevents other guests from sharing the guest's keys.
	NoKeySharing bool `json:"no_key_sharing" yaml:"no_key_sharing"`
	// SevES requires SEV-ES to be enabled.
	SevES bool `json:"sev_es" yaml:"sev_es"`
	// NoSend prevents the guest from being sent to another platform.
	NoSend bool `json:"no_send" yaml:"no_send"`
	// DomainLimited restricts migration to machines in the same domain.
	DomainLimited bool `json:"domain_limited" yaml:"domain_limited"`
	// SevLimited restricts migration to SEV capable machines.
	SevLimited bool `json:"sev_limited" yaml:"sev_limited"`
}

// Permissive returns the flags with every restriction lifted.
func Permissive() Flags {
	return Flags{}
}

// Restrictive returns the flags with every restriction applied.
func Restrictive() Flags {
	return Flags{
		NoDebug:       true,
		NoKeySharing:  true,
		SevES:         true,
		NoSend:        true,
		DomainLimited: true,
		SevLimited:    true,
	}
}

// FirmwareVersion is the minimum SEV API version the platform must run.
type FirmwareVersion struct {
	Major int `json:"major" yaml:"major"`
	Minor int `json:"minor" yaml:"minor"`
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseFirmwareVersion parses a "MAJOR.MINOR" version string. The empty
// string and "0" mean no minimum version and yield nil.
func ParseFirmwareVersion(s string) (*FirmwareVersion, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return nil, fmt.Errorf("%w: firmware version %q is not of the form MAJOR.MINOR", interfaces.ErrConfig, s)
	}

	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return nil, fmt.Errorf("%w: invalid firmware major version %q", interfaces.ErrConfig, major)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil || mnr < 0 {
		return nil, fmt.Errorf("%w: invalid firmware minor version %q", interfaces.ErrConfig, minor)
	}

	return &FirmwareVersion{Major: maj, Minor: mnr}, nil
}

// GuestPolicy is the encoded 32-bit guest policy.
type GuestPolicy uint32

// Encode builds a guest policy from flags and an optional minimum firmware
// version. Version components are truncated to 8 bits each, matching the
// width of their fields in the policy word.
func Encode(flags Flags, minFirmware *FirmwareVersion) GuestPolicy {
	var p uint32

	if flags.NoDebug {
		p |= bitNoDebug
	}
	if flags.NoKeySharing {
		p |= bitNoKeySharing
	}
	if flags.SevES {
		p |= bitSevES
	}
	if flags.NoSend {
		p |= bitNoSend
	}
	if flags.DomainLimited {
		p |= bitDomainLimited
	}
	if flags.SevLimited {
		p |= bitSevLimited
	}

	if minFirmware != nil {
		p |= uint32(minFirmware.Major&0xFF) << majorShift
		p |= uint32(minFirmware.Minor&0xFF) << minorShift
	}

	return GuestPolicy(p)
}

// Decode extracts the six boolean flags of a policy.
func Decode(p GuestPolicy) Flags {
	return Flags{
		NoDebug:       p&bitNoDebug != 0,
		NoKeySharing:  p&bitNoKeySharing != 0,
		SevES:         p&bitSevES != 0,
		NoSend:        p&bitNoSend != 0,
		DomainLimited: p&bitDomainLimited != 0,
		SevLimited:    p&bitSevLimited != 0,
	}
}

// Parse reads a policy given in hex ("0x3F") or decimal notation and checks
// that no reserved bit is set.
func Parse(s string) (GuestPolicy, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid policy %q: %v", interfaces.ErrConfig, s, err)
	}
	p := GuestPolicy(v)
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p, nil
}

// Validate reports an error when reserved bits 6-15 are set.
func (p GuestPolicy) Validate() error {
	if uint32(p)&reservedMask != 0 {
		return fmt.Errorf("%w: policy %s has reserved bits set", interfaces.ErrConfig, p)
	}
	return nil
}

// Flags is shorthand for Decode(p).
func (p GuestPolicy) Flags() Flags {
	return Decode(p)
}

// MinFirmware returns the minimum firmware version encoded in the policy,
// or nil when none is set.
func (p GuestPolicy) MinFirmware() *FirmwareVersion {
	major := int(uint32(p)>>majorShift) & 0xFF
	minor := int(uint32(p)>>minorShift) & 0xFF
	if major == 0 && minor == 0 {
		return nil
	}
	return &FirmwareVersion{Major: major, Minor: minor}
}

// Bytes returns the little-endian wire encoding of the policy.
func (p GuestPolicy) Bytes() []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(p))
}

func (p GuestPolicy) String() string {
	return fmt.Sprintf("0x%x", uint32(p))
}
