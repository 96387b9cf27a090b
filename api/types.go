package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/ruteri/sev-guest-owner/policy"
)

// Endpoint identifies an orchestrator and the credentials used with it.
// Endpoints are values: they are built once from configuration and passed
// to the components that need them.
type Endpoint struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// NewEndpoint validates the orchestrator URL.
func NewEndpoint(rawURL, username, password string) (Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Endpoint{}, fmt.Errorf("%w: invalid server url %q", interfaces.ErrConfig, rawURL)
	}
	return Endpoint{
		URL:      strings.TrimSuffix(rawURL, "/"),
		Username: username,
		Password: password,
	}, nil
}

// Server returns the identity under which platform certificates of this
// endpoint are stored.
func (e Endpoint) Server() (interfaces.ServerIdentity, error) {
	return interfaces.ServerIdentityFromURL(e.URL)
}

// VM is the orchestrator's descriptor of a virtual machine.
type VM struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status,omitempty"`
	Image   string `json:"image,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// CreateVMRequest is the body of POST /vm.
type CreateVMRequest struct {
	Name string `json:"name,omitempty"`
}

// SevInfo carries the platform build information of a measurement. The
// orchestrator reports it either as a base64 string of the raw 7 bytes or
// as an object; both decode to the same raw bytes.
type SevInfo []byte

// UnmarshalJSON accepts both sev_info representations.
func (s *SevInfo) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("%w: sev_info is not base64: %v", interfaces.ErrEncoding, err)
		}
		if _, err := launch.ParseSevInfo(raw); err != nil {
			return err
		}
		*s = raw
		return nil
	}

	var obj struct {
		APIMajor *uint8  `json:"api_major"`
		APIMinor *uint8  `json:"api_minor"`
		BuildID  *uint8  `json:"build_id"`
		Policy   *uint32 `json:"policy"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: sev_info: %v", interfaces.ErrEncoding, err)
	}
	if obj.APIMajor == nil || obj.APIMinor == nil || obj.BuildID == nil || obj.Policy == nil {
		return fmt.Errorf("%w: sev_info object is incomplete", interfaces.ErrEncoding)
	}
	*s = launch.SevInfo{
		APIMajor: *obj.APIMajor,
		APIMinor: *obj.APIMinor,
		BuildID:  *obj.BuildID,
		Policy:   policy.GuestPolicy(*obj.Policy),
	}.Bytes()
	return nil
}

// MarshalJSON emits the base64 form.
func (s SevInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(s))
}

// MeasurementResponse is the body of GET /vm/{id}/sev/measure.
type MeasurementResponse struct {
	// LaunchMeasure is the 48 byte platform measure: digest || nonce.
	LaunchMeasure []byte  `json:"launch_measure"`
	SevInfo       SevInfo `json:"sev_info"`
}

// Orchestrator is the platform-side API a guest owner talks to.
type Orchestrator interface {
	// PlatformCertificates returns the zip archive of the platform certificates.
	PlatformCertificates(ctx context.Context) ([]byte, error)
	CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error)
	GetVM(ctx context.Context, vmID interfaces.VMID) (*VM, error)
	UploadImage(ctx context.Context, vmID interfaces.VMID, imageName string, image []byte) (*VM, error)
	// UploadGuestOwnerCertificates sends a zip archive of godh.cert and launch_blob.bin.
	UploadGuestOwnerCertificates(ctx context.Context, vmID interfaces.VMID, archive []byte) error
	StartVM(ctx context.Context, vmID interfaces.VMID) (*VM, error)
	Measurement(ctx context.Context, vmID interfaces.VMID) (*MeasurementResponse, error)
	InjectSecret(ctx context.Context, vmID interfaces.VMID, packetHeader, secret []byte) (*VM, error)
}
