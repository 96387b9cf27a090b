package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/sev-guest-owner/cmd/flags"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/urfave/cli/v2"
)

var flagVMID = &cli.StringFlag{
	Name:     "vm-id",
	Required: true,
	Usage:    "id of the VM on the orchestrator",
}
var flagOutDir = &cli.PathFlag{
	Name:  "out",
	Usage: "directory to write the files to",
}

func vmIDFromFlag(cCtx *cli.Context) (interfaces.VMID, error) {
	return interfaces.NewVMID(cCtx.String(flagVMID.Name))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := flags.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}

	globalFlags := append([]cli.Flag{flags.LogServiceFlagFn("sevctl")}, flags.LogFlags...)
	globalFlags = append(globalFlags, flags.LaunchFlags...)

	app := &cli.App{
		Name:  "sevctl",
		Usage: "Launch AMD SEV guests as their owner",
		Flags: globalFlags,
		Commands: []*cli.Command{
			certificateCommand,
			vmCommand,
			policyCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
