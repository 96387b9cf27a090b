package guestowner

import (
	"fmt"
	"time"

	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
)

// DefaultMaxParallel bounds concurrent launches in InjectSecrets.
const DefaultMaxParallel = 4

// DefaultValidationTimeout bounds one shared certificate validation.
const DefaultValidationTimeout = 5 * time.Minute

// Config is the immutable configuration of an Owner.
type Config struct {
	// Endpoint is the orchestrator the owner drives.
	Endpoint api.Endpoint
	// FirmwareDigest is the expected measurement of the guest firmware image.
	FirmwareDigest [launch.DigestSize]byte
	// MaxParallel bounds the number of VMs launched concurrently.
	MaxParallel int
	// ValidationTimeout bounds the certificate validation shared by
	// concurrent callers.
	ValidationTimeout time.Duration
}

// NewConfig builds a configuration for endpoint. An empty firmwareDigest
// selects the default OVMF image.
func NewConfig(endpoint api.Endpoint, firmwareDigest string, maxParallel int) (Config, error) {
	if firmwareDigest == "" {
		firmwareDigest = launch.DefaultOVMFDigest
	}
	digest, err := launch.ParseFirmwareDigest(firmwareDigest)
	if err != nil {
		return Config{}, err
	}
	if maxParallel < 0 {
		return Config{}, fmt.Errorf("%w: max parallel launches must not be negative", interfaces.ErrConfig)
	}
	if maxParallel == 0 {
		maxParallel = DefaultMaxParallel
	}
	return Config{
		Endpoint:          endpoint,
		FirmwareDigest:    digest,
		MaxParallel:       maxParallel,
		ValidationTimeout: DefaultValidationTimeout,
	}, nil
}
