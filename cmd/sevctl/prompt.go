package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/policy"
)

// prompter asks questions on out and reads one answer per line from in.
type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

func (p *prompter) ask(question string) (string, error) {
	fmt.Fprintf(p.out, "%s ", question)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: no answer to %q", interfaces.ErrConfig, question)
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// confirm asks a Y/N question until it gets a valid answer.
func (p *prompter) confirm(question string) (bool, error) {
	for {
		answer, err := p.ask(question + " [Y/N]")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.out, "Please answer Y or N.")
	}
}

// promptPolicy builds a guest policy from interactive answers. The
// questions are phrased as permissions, the policy bits as restrictions.
func promptPolicy(in io.Reader, out io.Writer) (policy.GuestPolicy, error) {
	p := newPrompter(in, out)

	questions := []struct {
		text   string
		invert bool
		set    func(*policy.Flags, bool)
	}{
		{"Enable debug?", true, func(f *policy.Flags, v bool) { f.NoDebug = v }},
		{"Enable key sharing?", true, func(f *policy.Flags, v bool) { f.NoKeySharing = v }},
		{"Require SEV Encrypted State (SEV-ES)?", false, func(f *policy.Flags, v bool) { f.SevES = v }},
		{"Enable sending the VM?", true, func(f *policy.Flags, v bool) { f.NoSend = v }},
		{"Limit VM to domain?", false, func(f *policy.Flags, v bool) { f.DomainLimited = v }},
		{"Limit VM to SEV enabled systems?", false, func(f *policy.Flags, v bool) { f.SevLimited = v }},
	}

	var flags policy.Flags
	for _, q := range questions {
		yes, err := p.confirm(q.text)
		if err != nil {
			return 0, err
		}
		q.set(&flags, yes != q.invert)
	}

	for {
		answer, err := p.ask("Minimum firmware version? [ex: 1.51]")
		if err != nil {
			return 0, err
		}
		version, err := policy.ParseFirmwareVersion(answer)
		if err != nil {
			fmt.Fprintln(p.out, "Invalid firmware version format: use MAJOR.MINOR, or 0 for none.")
			continue
		}
		return policy.Encode(flags, version), nil
	}
}
