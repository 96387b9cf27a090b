package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/interfaces"
)

// Multipart field names expected by the orchestrator.
const (
	ImageField        = "vm_image_tarball"
	CertificatesField = "guest_owner_certificates"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// Client implements api.Orchestrator over HTTP with basic authentication.
// Only the certificate download is retried; every other call reaches the
// orchestrator at most once.
type Client struct {
	endpoint   api.Endpoint
	httpClient *http.Client
	log        *slog.Logger

	// MaxFetchElapsed bounds the retries of PlatformCertificates.
	MaxFetchElapsed time.Duration
}

// NewClient creates a client for endpoint. A nil httpClient selects a
// pooled client without shared global state.
func NewClient(endpoint api.Endpoint, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	return &Client{
		endpoint:        endpoint,
		httpClient:      httpClient,
		log:             log,
		MaxFetchElapsed: 30 * time.Second,
	}
}

// Endpoint returns the orchestrator the client talks to.
func (c *Client) Endpoint() api.Endpoint {
	return c.endpoint
}

func (c *Client) url(path string, query url.Values) string {
	u := c.endpoint.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func vmPath(vmID interfaces.VMID, suffix string) string {
	return "/vm/" + url.PathEscape(vmID.String()) + suffix
}

// do sends a request and returns the body of a 2xx response. Other
// statuses become a *interfaces.TransportError.
func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfig, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &interfaces.TransportError{Method: method, URL: redact(rawURL), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &interfaces.TransportError{Method: method, URL: redact(rawURL), StatusCode: resp.StatusCode, Err: err}
	}

	c.log.Debug("Orchestrator call",
		slog.String("method", method),
		slog.String("url", redact(rawURL)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, &interfaces.TransportError{
			Method:     method,
			URL:        redact(rawURL),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return respBody, nil
}

// redact drops the query string, which carries secret packets on injection.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func decodeVM(body []byte) (*api.VM, error) {
	var vm api.VM
	if err := json.Unmarshal(body, &vm); err != nil {
		return nil, fmt.Errorf("%w: could not parse vm descriptor: %v", interfaces.ErrEncoding, err)
	}
	return &vm, nil
}

func multipartBody(field, filename string, content []byte) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return "", nil, err
	}
	if _, err := part.Write(content); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// PlatformCertificates downloads the certificate archive. Transport
// failures and 5xx responses are retried with exponential backoff until
// MaxFetchElapsed or ctx expires.
func (c *Client) PlatformCertificates(ctx context.Context) ([]byte, error) {
	var archive []byte
	operation := func() error {
		body, err := c.do(ctx, http.MethodGet, c.url("/platform/certificates", nil), "", nil)
		if err != nil {
			var te *interfaces.TransportError
			if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		archive = body
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.MaxFetchElapsed
	notify := func(err error, wait time.Duration) {
		c.log.Warn("Fetching platform certificates failed, retrying",
			slog.String("server", c.endpoint.URL),
			slog.Duration("wait", wait),
			"err", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return archive, nil
}

// CreateVM registers a new VM.
func (c *Client) CreateVM(ctx context.Context, req api.CreateVMRequest) (*api.VM, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.url("/vm", nil), "application/json", body)
	if err != nil {
		return nil, err
	}
	return decodeVM(resp)
}

// GetVM returns the VM descriptor.
func (c *Client) GetVM(ctx context.Context, vmID interfaces.VMID) (*api.VM, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(vmPath(vmID, ""), nil), "", nil)
	if err != nil {
		return nil, err
	}
	return decodeVM(resp)
}

// UploadImage sends the VM disk image tarball.
func (c *Client) UploadImage(ctx context.Context, vmID interfaces.VMID, imageName string, image []byte) (*api.VM, error) {
	contentType, body, err := multipartBody(ImageField, imageName, image)
	if err != nil {
		return nil, err
	}
	query := url.Values{"image_name": {imageName}}
	resp, err := c.do(ctx, http.MethodPost, c.url(vmPath(vmID, "/upload-image"), query), contentType, body)
	if err != nil {
		return nil, err
	}
	return decodeVM(resp)
}

// UploadGuestOwnerCertificates sends the zip archive of the launch artifacts.
func (c *Client) UploadGuestOwnerCertificates(ctx context.Context, vmID interfaces.VMID, archive []byte) error {
	contentType, body, err := multipartBody(CertificatesField, "guest_owner_certificates.zip", archive)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, c.url(vmPath(vmID, "/upload-guest-owner-certificates"), nil), contentType, body)
	return err
}

// StartVM launches the VM. It then waits for its secret.
func (c *Client) StartVM(ctx context.Context, vmID interfaces.VMID) (*api.VM, error) {
	resp, err := c.do(ctx, http.MethodPost, c.url(vmPath(vmID, "/start"), nil), "", nil)
	if err != nil {
		return nil, err
	}
	return decodeVM(resp)
}

// Measurement fetches the launch measurement.
func (c *Client) Measurement(ctx context.Context, vmID interfaces.VMID) (*api.MeasurementResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(vmPath(vmID, "/sev/measure"), nil), "", nil)
	if err != nil {
		return nil, err
	}
	var m api.MeasurementResponse
	if err := json.Unmarshal(resp, &m); err != nil {
		return nil, fmt.Errorf("%w: could not parse measurement: %v", interfaces.ErrEncoding, err)
	}
	return &m, nil
}

// InjectSecret delivers the packet header and encrypted secret table.
func (c *Client) InjectSecret(ctx context.Context, vmID interfaces.VMID, packetHeader, secret []byte) (*api.VM, error) {
	query := url.Values{
		"packet_header": {base64.StdEncoding.EncodeToString(packetHeader)},
		"secret":        {base64.StdEncoding.EncodeToString(secret)},
	}
	resp, err := c.do(ctx, http.MethodPost, c.url(vmPath(vmID, "/sev/inject-secret"), query), "", nil)
	if err != nil {
		return nil, err
	}
	return decodeVM(resp)
}
