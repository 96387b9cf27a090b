package certchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

const (
	// DefaultSevtoolImage is the container image running AMD's sevtool.
	DefaultSevtoolImage = "odesenfans/sevtool"

	sevtoolMountPoint = "/opt/certificates"
	sevtoolSuccess    = "Command Successful"
)

// commandRunner executes a program and returns its captured output.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// SevtoolValidator validates a certificate chain with AMD's sevtool run in
// a throwaway container. The certificates directory is mounted into the
// container; nothing else is shared with it.
type SevtoolValidator struct {
	Docker string
	Image  string
	log    *slog.Logger
	run    commandRunner
}

// NewSevtoolValidator returns a validator running image with the docker
// CLI found in PATH. An empty image selects DefaultSevtoolImage.
func NewSevtoolValidator(image string, log *slog.Logger) *SevtoolValidator {
	if image == "" {
		image = DefaultSevtoolImage
	}
	return &SevtoolValidator{
		Docker: "docker",
		Image:  image,
		log:    log,
		run:    runCommand,
	}
}

// Validate runs sevtool --validate_cert_chain over dir.
func (v *SevtoolValidator) Validate(ctx context.Context, dir string) (bool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}

	args := []string{
		"run", "--rm",
		"-v", abs + ":" + sevtoolMountPoint,
		v.Image,
		"--ofolder", sevtoolMountPoint,
		"--validate_cert_chain",
	}
	stdout, stderr, runErr := v.run(ctx, v.Docker, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	code, err := parseSevtoolOutput(stdout, stderr)
	if err != nil {
		if runErr != nil {
			return false, fmt.Errorf("%w (%v)", err, runErr)
		}
		return false, err
	}
	if code != 0 {
		v.log.Warn("sevtool rejected certificate chain",
			slog.String("dir", abs),
			slog.String("status", fmt.Sprintf("0x%x", code)))
		return false, nil
	}
	return true, nil
}

// parseSevtoolOutput extracts the status code sevtool prints on its last
// output line. sevtool exits 0 even on failure; it reports unknown
// arguments on stderr.
func parseSevtoolOutput(stdout, stderr []byte) (uint64, error) {
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return 0, fmt.Errorf("%w: invalid sevtool command: %s", interfaces.ErrConfig, msg)
	}

	lines := strings.Split(strings.TrimRight(string(stdout), "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == sevtoolSuccess {
		return 0, nil
	}

	_, codeStr, found := strings.Cut(last, ": ")
	if !found {
		return 0, fmt.Errorf("%w: unexpected sevtool output %q", interfaces.ErrCertificateChain, last)
	}
	code, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(codeStr), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected sevtool status %q", interfaces.ErrCertificateChain, codeStr)
	}
	if code == 0 {
		// a zero code on a failure line is still a failure
		return 0, fmt.Errorf("%w: sevtool reported %q", interfaces.ErrCertificateChain, last)
	}
	return code, nil
}
