package main

import (
	"fmt"
	"os"

	"github.com/ruteri/sev-guest-owner/cmd/flags"
	"github.com/ruteri/sev-guest-owner/policy"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var policyFlags = []cli.Flag{
	&cli.BoolFlag{Name: "no-debug", Usage: "forbid debugging of the guest"},
	&cli.BoolFlag{Name: "no-key-sharing", Usage: "forbid sharing keys with other guests"},
	&cli.BoolFlag{Name: "sev-es", Usage: "require SEV-ES"},
	&cli.BoolFlag{Name: "no-send", Usage: "forbid sending the guest to another platform"},
	&cli.BoolFlag{Name: "domain-limited", Usage: "restrict migration to the same domain"},
	&cli.BoolFlag{Name: "sev-limited", Usage: "restrict migration to SEV capable platforms"},
	&cli.StringFlag{Name: "min-firmware", Usage: "minimum firmware version, MAJOR.MINOR"},
}

// policyFromFlag returns the policy selected with --policy, or the
// default policy of the profile.
func policyFromFlag(cCtx *cli.Context, settings *flags.LaunchSettings) (policy.GuestPolicy, error) {
	encoded := cCtx.String(flagPolicy.Name)
	if encoded == "" {
		encoded = settings.Policy
	}
	if encoded == "" {
		return 0, fmt.Errorf("--%s is required, see 'sevctl policy generate'", flagPolicy.Name)
	}
	return policy.Parse(encoded)
}

func policyFromFlags(cCtx *cli.Context) (policy.GuestPolicy, bool, error) {
	set := false
	for _, f := range policyFlags {
		if cCtx.IsSet(f.Names()[0]) {
			set = true
		}
	}
	if !set {
		return 0, false, nil
	}

	version, err := policy.ParseFirmwareVersion(cCtx.String("min-firmware"))
	if err != nil {
		return 0, true, err
	}
	return policy.Encode(policy.Flags{
		NoDebug:       cCtx.Bool("no-debug"),
		NoKeySharing:  cCtx.Bool("no-key-sharing"),
		SevES:         cCtx.Bool("sev-es"),
		NoSend:        cCtx.Bool("no-send"),
		DomainLimited: cCtx.Bool("domain-limited"),
		SevLimited:    cCtx.Bool("sev-limited"),
	}, version), true, nil
}

var policyCommand = &cli.Command{
	Name:  "policy",
	Usage: "Guest policy helpers",
	Subcommands: []*cli.Command{
		{
			Name:        "generate",
			Usage:       "Encode a guest policy",
			Description: "Without policy flags the policy is built from interactive questions.",
			Flags:       policyFlags,
			Action: func(cCtx *cli.Context) error {
				p, ok, err := policyFromFlags(cCtx)
				if err != nil {
					return err
				}
				if !ok {
					p, err = promptPolicy(os.Stdin, os.Stdout)
					if err != nil {
						return err
					}
				}
				fmt.Printf("SEV policy: '%s'.\n", p)
				return nil
			},
		},
		{
			Name:      "decode",
			Usage:     "Show the flags of an encoded guest policy",
			ArgsUsage: "<policy>",
			Action: func(cCtx *cli.Context) error {
				if cCtx.NArg() != 1 {
					return cli.ShowSubcommandHelp(cCtx)
				}
				p, err := policy.Parse(cCtx.Args().First())
				if err != nil {
					return err
				}

				decoded := struct {
					Policy      string                  `yaml:"policy"`
					Flags       policy.Flags            `yaml:"flags"`
					MinFirmware *policy.FirmwareVersion `yaml:"min_firmware,omitempty"`
				}{p.String(), p.Flags(), p.MinFirmware()}
				return yaml.NewEncoder(os.Stdout).Encode(decoded)
			},
		},
	},
}
