package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/cmd/flags"
	"github.com/ruteri/sev-guest-owner/guestowner"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/urfave/cli/v2"
)

var flagSecret = &cli.StringFlag{
	Name:    "secret",
	EnvVars: []string{"SEV_SECRET"},
	Usage:   "disk passphrase to release into the guest; prompted for when unset",
}

// sshEndpoint returns where the guest accepts SSH connections: the
// orchestrator host and the port forwarded to the VM.
func sshEndpoint(endpoint api.Endpoint, vm *api.VM) string {
	host := endpoint.URL
	if u, err := url.Parse(endpoint.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return net.JoinHostPort(host, strconv.Itoa(vm.SSHPort))
}

var vmCommand = &cli.Command{
	Name:  "vm",
	Usage: "Manage VMs on the orchestrator",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a VM",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "name of the VM"},
			},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				vm, err := l.Orchestrator.CreateVM(cCtx.Context, api.CreateVMRequest{Name: cCtx.String("name")})
				if err != nil {
					return err
				}
				return printJSON(vm)
			},
		},
		{
			Name:      "get",
			Usage:     "Show a VM",
			ArgsUsage: "<vm-id>",
			Action: func(cCtx *cli.Context) error {
				if cCtx.NArg() != 1 {
					return cli.ShowSubcommandHelp(cCtx)
				}
				vmID, err := interfaces.NewVMID(cCtx.Args().First())
				if err != nil {
					return err
				}
				log := flags.SetupLogger(cCtx)
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				vm, err := l.Orchestrator.GetVM(cCtx.Context, vmID)
				if err != nil {
					return err
				}
				return printJSON(vm)
			},
		},
		{
			Name:  "upload-image",
			Usage: "Upload the disk image of a VM",
			Flags: []cli.Flag{
				flagVMID,
				&cli.PathFlag{Name: "image", Required: true, Usage: "path of the image tarball"},
			},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				vmID, err := vmIDFromFlag(cCtx)
				if err != nil {
					return err
				}
				path := cCtx.Path("image")
				image, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				vm, err := l.Orchestrator.UploadImage(cCtx.Context, vmID, filepath.Base(path), image)
				if err != nil {
					return err
				}
				return printJSON(vm)
			},
		},
		{
			Name:  "upload-certificates",
			Usage: "Upload the generated guest owner certificates of a VM",
			Flags: []cli.Flag{flagVMID},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				vmID, err := vmIDFromFlag(cCtx)
				if err != nil {
					return err
				}
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				if err := l.Owner.UploadCertificates(cCtx.Context, vmID); err != nil {
					return err
				}
				fmt.Printf("Uploaded guest owner certificates for vm %s.\n", vmID)
				return nil
			},
		},
		{
			Name:  "start",
			Usage: "Start a VM",
			Flags: []cli.Flag{flagVMID},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				vmID, err := vmIDFromFlag(cCtx)
				if err != nil {
					return err
				}
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				vm, err := l.Orchestrator.StartVM(cCtx.Context, vmID)
				if err != nil {
					return err
				}
				return printJSON(vm)
			},
		},
		{
			Name:  "measure",
			Usage: "Verify the launch measurement of a VM",
			Flags: []cli.Flag{flagVMID},
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
				if err := l.Owner.VerifyMeasurement(cCtx.Context, vmID); err != nil {
					var mismatch *interfaces.MeasurementMismatchError
					if errors.As(err, &mismatch) {
						fmt.Fprintf(os.Stderr, "Measurement of vm %s does not match, the launch session has been discarded.\n", vmID)
					}
					return err
				}
				fmt.Printf("Measurement of vm %s verified.\n", vmID)
				return nil
			},
		},
		{
			Name:        "inject-secret",
			Usage:       "Verify the measurement of VMs and release the disk passphrase to them",
			Description: "Repeat --vm-id to release the same secret to several VMs in parallel.",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: flagVMID.Name, Required: true, Usage: flagVMID.Usage},
				flagSecret,
			},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				var reqs []guestowner.InjectRequest
				for _, id := range cCtx.StringSlice(flagVMID.Name) {
					vmID, err := interfaces.NewVMID(id)
					if err != nil {
						return err
					}
					reqs = append(reqs, guestowner.InjectRequest{VMID: vmID})
				}

				l, err := flags.SetupLaunch(cCtx, log)
				if err != nil {
					return err
				}
				secret, err := flags.ReadSecret(cCtx, flagSecret, "Disk passphrase: ")
				if err != nil {
					return err
				}
				defer clear(secret)
				for i := range reqs {
					reqs[i].Entries = []launch.SecretEntry{launch.DiskPassphrase(secret)}
				}

				results, err := l.Owner.InjectSecrets(cCtx.Context, reqs)
				for _, r := range results {
					if r.Err != nil {
						fmt.Fprintf(os.Stderr, "vm %s: %v\n", r.VMID, r.Err)
						continue
					}
					fmt.Printf("vm %s: secret injected. SSH: %s\n", r.VMID, sshEndpoint(l.Settings.Endpoint, r.VM))
				}
				return err
			},
		},
		{
			Name:  "abandon",
			Usage: "Discard the launch session and artifacts of a VM",
			Flags: []cli.Flag{flagVMID},
			Action: func(cCtx *cli.Context) error {
				log := flags.SetupLogger(cCtx)
				vmID, err := vmIDFromFlag(cCtx)
				if err != nil {
					return err
				}
				l, err := flags.SetupCertificates(cCtx, log)
				if err != nil {
					return err
				}
				if err := l.Owner.Abandon(cCtx.Context, vmID); err != nil {
					return err
				}
				fmt.Printf("Launch session of vm %s discarded.\n", vmID)
				return nil
			},
		},
	},
}
