package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/sev-guest-owner/cmd/flags"
	"github.com/urfave/cli/v2"
)

// guestOwnerArchiveFile is the archive name of the generated launch
// artifacts, as uploaded to the orchestrator.
const guestOwnerArchiveFile = "guest-owner-certificates.zip"

var flagPolicy = &cli.StringFlag{
	Name:  "policy",
	Usage: "guest policy as hex, e.g. 0x1 (defaults to the profile policy)",
}

var certificateCommand = &cli.Command{
	Name:  "certificate",
	Usage: "Platform and guest owner certificates",
	Subcommands: []*cli.Command{
		{
			Name:  "fetch",
			Usage: "Download the platform certificates into the keystore",
			Flags: []cli.Flag{flagOutDir},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}

				bundle, err := l.Owner.FetchCertificates(cCtx.Context)
				if err != nil {
					return err
				}
				if out := cCtx.Path(flagOutDir.Name); out != "" {
					if err := bundle.WriteDir(out); err != nil {
						return err
					}
					fmt.Printf("Wrote platform certificates to '%s'.\n", out)
				}
				fmt.Printf("Fetched platform certificates of %s: %v\n", bundle.Server(), bundle.Names())
				return nil
			},
		},
		{
			Name:  "validate",
			Usage: "Validate the platform certificate chain",
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}

				bundle, err := l.Owner.ValidateCertificates(cCtx.Context)
				if err != nil {
					return err
				}
				fmt.Printf("Platform certificates of %s are valid.\n", bundle.Server())
				return nil
			},
		},
		{
			Name:  "generate",
			Usage: "Generate the guest owner certificates and launch blob of a VM",
			Flags: []cli.Flag{flagVMID, flagPolicy, flagOutDir},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				vmID, err := vmIDFromFlag(cCtx)
				if err != nil {
					return err
				}
				l, err := flags.SetupLaunch(cCtx, log)
				if err != nil {
					return err
				}
				p, err := policyFromFlag(cCtx, l.Settings)
				if err != nil {
					return err
				}

				artifacts, err := l.Owner.GenerateGuestOwnerCertificates(cCtx.Context, vmID, p)
				if err != nil {
					return err
				}

				out := cCtx.Path(flagOutDir.Name)
				if out == "" {
					fmt.Printf("Generated guest owner certificates for vm %s with policy %s.\n", vmID, p)
					return nil
				}
				if err := os.MkdirAll(out, 0o700); err != nil {
					return err
				}
				for name, content := range artifacts.Files() {
					if err := os.WriteFile(filepath.Join(out, name), content, 0o600); err != nil {
						return err
					}
				}
				archive, err := l.Owner.GuestOwnerArchive(cCtx.Context, vmID)
				if err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(out, guestOwnerArchiveFile), archive, 0o600); err != nil {
					return err
				}
				fmt.Printf("Generated guest owner certificates for vm %s in '%s'.\n", vmID, out)
				return nil
			},
		},
	},
}
