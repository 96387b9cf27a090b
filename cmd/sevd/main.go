package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/sev-guest-owner/cmd/flags"
	"github.com/ruteri/sev-guest-owner/httpserver"
	"github.com/ruteri/sev-guest-owner/policy"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:    "listen-addr",
	EnvVars: []string{"SEVD_LISTEN_ADDR"},
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
}
var flagAPIUsername = &cli.StringFlag{
	Name:    "api-username",
	EnvVars: []string{"SEVD_USERNAME"},
	Usage:   "require basic authentication with this user for the launch API",
}
var flagAPIPassword = &cli.StringFlag{
	Name:    "api-password",
	EnvVars: []string{"SEVD_PASSWORD"},
	Usage:   "password of --api-username",
}
var flagDefaultPolicy = &cli.StringFlag{
	Name:    "default-policy",
	EnvVars: []string{"SEVD_DEFAULT_POLICY"},
	Usage:   "guest policy of launches that do not select one (defaults to the profile policy, then 0x3f)",
}

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	appFlags := []cli.Flag{
		flagListenAddr,
		flagAPIUsername,
		flagAPIPassword,
		flagDefaultPolicy,
		flags.LogServiceFlagFn("sevd"),
	}
	appFlags = append(appFlags, flags.LogFlags...)
	appFlags = append(appFlags, flags.ServerFlags...)
	appFlags = append(appFlags, flags.LaunchFlags...)

	app := &cli.App{
		Name:  "sevd",
		Usage: "Serve the SEV guest owner launch API",
		Flags: appFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			l, err := flags.SetupLaunch(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up launch", "err", err)
				return err
			}

			defaultPolicy := policy.Encode(policy.Restrictive(), nil)
			if encoded := cCtx.String(flagDefaultPolicy.Name); encoded != "" || l.Settings.Policy != "" {
				if encoded == "" {
					encoded = l.Settings.Policy
				}
				defaultPolicy, err = policy.Parse(encoded)
				if err != nil {
					logger.Error("Invalid default policy", "err", err)
					return err
				}
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
			cfg.Username = cCtx.String(flagAPIUsername.Name)
			cfg.Password = cCtx.String(flagAPIPassword.Name)
			if cfg.Username == "" {
				logger.Warn("Launch API is not protected by authentication")
			}

			handler := httpserver.NewHandler(l.Owner, defaultPolicy, logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			l.Owner.SetMetrics(server.Metrics())

			if _, err := l.Owner.ValidateCertificates(cCtx.Context); err != nil {
				logger.Warn("Platform certificates could not be validated at startup", "err", err)
			}

			logger.Info("Starting server",
				slog.String("listen_addr", cfg.ListenAddr),
				slog.String("default_policy", defaultPolicy.String()))
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
