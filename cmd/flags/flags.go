package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/sev-guest-owner/common"
	"github.com/ruteri/sev-guest-owner/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             5 * time.Minute,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// Launch configuration. Values not set on the command line or in the
// environment fall back to the profile selected with --config.

var ConfigFlag = &cli.PathFlag{
	Name:    "config",
	EnvVars: []string{"SEV_CONFIG"},
	Usage:   "YAML profile with defaults for the orchestrator, stores and firmware",
}
var ServerURLFlag = &cli.StringFlag{
	Name:    "server-url",
	EnvVars: []string{"SEV_SERVER_URL"},
	Usage:   "URL of the orchestrator",
}
var UsernameFlag = &cli.StringFlag{
	Name:    "username",
	EnvVars: []string{"SEV_USERNAME"},
	Usage:   "orchestrator username",
}
var PasswordFlag = &cli.StringFlag{
	Name:    "password",
	EnvVars: []string{"SEV_PASSWORD"},
	Usage:   "orchestrator password",
}
var KeystoreFlag = &cli.StringSliceFlag{
	Name:    "keystore",
	EnvVars: []string{"SEV_KEYSTORE"},
	Usage:   "storage for certificates and sealed session keys: file://, vault:// or s3:// URI, repeat for redundancy (default file://./sev-data)",
}
var KeystorePassphraseFlag = &cli.StringFlag{
	Name:    "keystore-passphrase",
	EnvVars: []string{"SEV_KEYSTORE_PASSPHRASE"},
	Usage:   "passphrase sealing the session keys; prompted for when unset",
}
var FirmwareDigestFlag = &cli.StringFlag{
	Name:    "firmware-digest",
	EnvVars: []string{"SEV_FIRMWARE_DIGEST"},
	Usage:   "hex SHA-256 of the expected guest firmware image (default OVMF)",
}
var ValidatorFlag = &cli.StringFlag{
	Name:    "validator",
	EnvVars: []string{"SEV_VALIDATOR"},
	Usage:   "certificate chain validator: sevtool, structural or all (default sevtool)",
}
var SevtoolImageFlag = &cli.StringFlag{
	Name:    "sevtool-image",
	EnvVars: []string{"SEV_SEVTOOL_IMAGE"},
	Usage:   "docker image running sevtool",
}
var MaxParallelFlag = &cli.IntFlag{
	Name:    "max-parallel",
	EnvVars: []string{"SEV_MAX_PARALLEL"},
	Usage:   "maximum number of concurrent launches",
}

var LaunchFlags = []cli.Flag{
	ConfigFlag,
	ServerURLFlag,
	UsernameFlag,
	PasswordFlag,
	KeystoreFlag,
	KeystorePassphraseFlag,
	FirmwareDigestFlag,
	ValidatorFlag,
	SevtoolImageFlag,
	MaxParallelFlag,
}
