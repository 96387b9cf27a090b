package flags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"gopkg.in/yaml.v3"
)

// DefaultKeystore is used when neither flags nor profile name a store.
const DefaultKeystore = "file://./sev-data"

// Profile holds defaults for the launch flags, read from a YAML file:
//
//	server:
//	  url: https://orchestrator.example:8443
//	  username: owner
//	  password: ...
//	keystores:
//	  - file:///var/lib/sev
//	  - vault://vault.internal:8200/secret/sev
//	firmware_digest: 7a2f84...
//	validator: all
//	policy: "0x3f"
type Profile struct {
	Server         api.Endpoint `yaml:"server"`
	Keystores      []string     `yaml:"keystores"`
	FirmwareDigest string       `yaml:"firmware_digest"`
	Validator      string       `yaml:"validator"`
	SevtoolImage   string       `yaml:"sevtool_image"`
	MaxParallel    int          `yaml:"max_parallel"`
	Policy         string       `yaml:"policy"`
}

// ParseProfile decodes a YAML profile. Unknown keys are rejected.
func ParseProfile(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: invalid profile: %v", interfaces.ErrConfig, err)
	}
	return &p, nil
}

// LoadProfile reads the profile at path. An empty path yields an empty
// profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}
	return ParseProfile(bytes.NewReader(data))
}

// LoadDotEnv loads environment defaults from the file named by SEV_ENV_FILE,
// or .env in the working directory. Variables already set are kept. It
// must run before the command line is parsed for EnvVars to see the values.
func LoadDotEnv() error {
	path := os.Getenv("SEV_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// firstNonEmpty returns the first argument that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
