package flags

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/api/orchestrator"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/cryptoutils"
	"github.com/ruteri/sev-guest-owner/guestowner"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/storage"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// Validator names accepted by --validator.
const (
	ValidatorSevtool    = "sevtool"
	ValidatorStructural = "structural"
	ValidatorAll        = "all"
)

// LaunchSettings is the resolved launch configuration: flags and
// environment first, then the profile, then defaults.
type LaunchSettings struct {
	Endpoint       api.Endpoint
	Keystores      []interfaces.StorageBackendLocation
	FirmwareDigest string
	Validator      string
	SevtoolImage   string
	MaxParallel    int
	Policy         string
}

// ResolveLaunchSettings merges the launch flags with the profile.
func ResolveLaunchSettings(cCtx *cli.Context) (*LaunchSettings, error) {
	profile, err := LoadProfile(cCtx.Path(ConfigFlag.Name))
	if err != nil {
		return nil, err
	}
	return resolve(cCtx, profile)
}

func resolve(cCtx *cli.Context, profile *Profile) (*LaunchSettings, error) {
	str := func(flag *cli.StringFlag, fallback string) string {
		if cCtx.IsSet(flag.Name) {
			return cCtx.String(flag.Name)
		}
		return fallback
	}

	serverURL := str(ServerURLFlag, profile.Server.URL)
	if serverURL == "" {
		return nil, fmt.Errorf("%w: --%s is required", interfaces.ErrConfig, ServerURLFlag.Name)
	}
	endpoint, err := api.NewEndpoint(serverURL,
		str(UsernameFlag, profile.Server.Username),
		str(PasswordFlag, profile.Server.Password))
	if err != nil {
		return nil, err
	}

	keystores := profile.Keystores
	if cCtx.IsSet(KeystoreFlag.Name) {
		keystores = cCtx.StringSlice(KeystoreFlag.Name)
	}
	if len(keystores) == 0 {
		keystores = []string{DefaultKeystore}
	}
	locations := make([]interfaces.StorageBackendLocation, len(keystores))
	for i, k := range keystores {
		locations[i] = interfaces.StorageBackendLocation(k)
	}

	maxParallel := profile.MaxParallel
	if cCtx.IsSet(MaxParallelFlag.Name) {
		maxParallel = cCtx.Int(MaxParallelFlag.Name)
	}

	return &LaunchSettings{
		Endpoint:       endpoint,
		Keystores:      locations,
		FirmwareDigest: str(FirmwareDigestFlag, profile.FirmwareDigest),
		Validator:      firstNonEmpty(str(ValidatorFlag, profile.Validator), ValidatorSevtool),
		SevtoolImage:   str(SevtoolImageFlag, profile.SevtoolImage),
		MaxParallel:    maxParallel,
		Policy:         profile.Policy,
	}, nil
}

// CertificateValidator builds the selected chain validator.
func (s *LaunchSettings) CertificateValidator(log *slog.Logger) (interfaces.CertificateValidator, error) {
	switch s.Validator {
	case ValidatorSevtool:
		return certchain.NewSevtoolValidator(s.SevtoolImage, log), nil
	case ValidatorStructural:
		return certchain.NewStructuralValidator(true, log), nil
	case ValidatorAll:
		return certchain.AllOf(
			certchain.NewStructuralValidator(true, log),
			certchain.NewSevtoolValidator(s.SevtoolImage, log),
		), nil
	default:
		return nil, fmt.Errorf("%w: unknown validator %q", interfaces.ErrConfig, s.Validator)
	}
}

// ReadSecret returns the value of flag, or prompts for it on the terminal
// without echo.
func ReadSecret(cCtx *cli.Context, flag *cli.StringFlag, prompt string) ([]byte, error) {
	if v := cCtx.String(flag.Name); v != "" {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w: --%s is required when not running in a terminal", interfaces.ErrConfig, flag.Name)
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", flag.Name, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty %s", interfaces.ErrConfig, flag.Name)
	}
	return secret, nil
}

// Launch bundles what a command needs to drive launches.
type Launch struct {
	Settings     *LaunchSettings
	Orchestrator *orchestrator.Client
	Owner        *guestowner.Owner
}

// SetupLaunch resolves the launch settings and builds the orchestrator
// client and the guest owner on top of the configured stores. The keystore
// passphrase is read, or prompted for, to seal the session keys.
func SetupLaunch(cCtx *cli.Context, log *slog.Logger) (*Launch, error) {
	passphrase, err := ReadSecret(cCtx, KeystorePassphraseFlag, "Keystore passphrase: ")
	if err != nil {
		return nil, err
	}
	sealer, err := cryptoutils.NewSealer(passphrase, cryptoutils.DefaultArgon2Params)
	clear(passphrase)
	if err != nil {
		return nil, err
	}
	return setupLaunch(cCtx, log, sealer)
}

// SetupCertificates is SetupLaunch for commands that only handle platform
// certificates. The returned owner cannot create or resume sessions.
func SetupCertificates(cCtx *cli.Context, log *slog.Logger) (*Launch, error) {
	return setupLaunch(cCtx, log, nil)
}

func setupLaunch(cCtx *cli.Context, log *slog.Logger, sealer *cryptoutils.Sealer) (*Launch, error) {
	settings, err := ResolveLaunchSettings(cCtx)
	if err != nil {
		return nil, err
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(log)
	store, err := factory.CreateMultiBackend(settings.Keystores)
	if err != nil {
		return nil, err
	}

	validator, err := settings.CertificateValidator(log)
	if err != nil {
		return nil, err
	}

	cfg, err := guestowner.NewConfig(settings.Endpoint, settings.FirmwareDigest, settings.MaxParallel)
	if err != nil {
		return nil, err
	}

	client := orchestrator.NewClient(settings.Endpoint, nil, log)
	owner, err := guestowner.New(cfg, client, store, sealer, validator, log)
	if err != nil {
		return nil, err
	}

	log.Debug("Launch configuration resolved",
		slog.String("server", settings.Endpoint.URL),
		slog.Int("keystores", len(settings.Keystores)),
		slog.String("validator", settings.Validator))

	return &Launch{Settings: settings, Orchestrator: client, Owner: owner}, nil
}
