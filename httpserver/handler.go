package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/guestowner"
	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
	"github.com/ruteri/sev-guest-owner/policy"
)

// maxBodySize is the maximum allowed request body size (64KB).
const maxBodySize = 64 * 1024

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// LaunchService is the guest-owner workflow served over HTTP.
type LaunchService interface {
	PrepareLaunch(ctx context.Context, vmID interfaces.VMID, p policy.GuestPolicy) error
	InjectSecret(ctx context.Context, vmID interfaces.VMID, entries ...launch.SecretEntry) (*api.VM, error)
	Abandon(ctx context.Context, vmID interfaces.VMID) error
	Tracker() *guestowner.Tracker
	// InFlight is the number of launch operations currently running.
	InFlight() int64
}

// PolicyRequest selects a guest policy, either encoded or from its flags.
// An empty request selects the default policy of the daemon.
type PolicyRequest struct {
	Policy      string        `json:"policy,omitempty"`
	Flags       *policy.Flags `json:"flags,omitempty"`
	MinFirmware string        `json:"min_firmware,omitempty"`
}

// PolicyResponse describes an encoded guest policy.
type PolicyResponse struct {
	Policy      string                  `json:"policy"`
	Flags       policy.Flags            `json:"flags"`
	MinFirmware *policy.FirmwareVersion `json:"min_firmware,omitempty"`
}

// SecretEntry is one secret table entry; Value is base64 in JSON.
type SecretEntry struct {
	GUID  uuid.UUID `json:"guid"`
	Value []byte    `json:"value"`
}

// SecretRequest carries the secret to release into a VM.
type SecretRequest struct {
	DiskPassphrase string        `json:"disk_passphrase,omitempty"`
	Entries        []SecretEntry `json:"entries,omitempty"`
}

// Handler serves the guest-owner launch API.
type Handler struct {
	service       LaunchService
	defaultPolicy policy.GuestPolicy
	log           *slog.Logger
}

// NewHandler creates a handler. defaultPolicy is used by launches that do
// not select a policy.
func NewHandler(service LaunchService, defaultPolicy policy.GuestPolicy, log *slog.Logger) *Handler {
	return &Handler{
		service:       service,
		defaultPolicy: defaultPolicy,
		log:           log,
	}
}

// RegisterRoutes adds the launch API to r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/launch", h.HandleList)
	r.Get("/api/launch/{vm_id}", h.HandleStatus)
	r.Delete("/api/launch/{vm_id}", h.HandleAbandon)
	r.Post("/api/launch/{vm_id}/certificates", h.HandlePrepare)
	r.Post("/api/launch/{vm_id}/secret", h.HandleInjectSecret)
	r.Post("/api/policy", h.HandlePolicy)
}

// statusFor maps launch errors to HTTP statuses.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrMeasurementMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrMissingKeys):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrLaunchInProgress):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrConfig), errors.Is(err, interfaces.ErrEncoding):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrTransport), errors.Is(err, interfaces.ErrCertificateChain):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Launch request failed", slog.String("path", r.URL.Path), "err", err)
	} else {
		h.log.Warn("Launch request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read request body: %w", err)}
	}
	if len(body) > maxBodySize {
		return &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("request body too large")}
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func vmIDFromRequest(r *http.Request) (interfaces.VMID, error) {
	return interfaces.NewVMID(chi.URLParam(r, "vm_id"))
}

// resolve turns the request into a policy.
func (req *PolicyRequest) resolve(fallback policy.GuestPolicy) (policy.GuestPolicy, error) {
	switch {
	case req.Policy != "" && req.Flags != nil:
		return 0, fmt.Errorf("%w: policy and flags are mutually exclusive", interfaces.ErrConfig)
	case req.Policy != "":
		return policy.Parse(req.Policy)
	case req.Flags != nil:
		fw, err := policy.ParseFirmwareVersion(req.MinFirmware)
		if err != nil {
			return 0, err
		}
		return policy.Encode(*req.Flags, fw), nil
	default:
		return fallback, nil
	}
}

// HandlePrepare generates and uploads the launch artifacts of a VM.
//
// POST /api/launch/{vm_id}/certificates with an optional PolicyRequest body.
func (h *Handler) HandlePrepare(w http.ResponseWriter, r *http.Request) {
	vmID, err := vmIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req PolicyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := req.resolve(h.defaultPolicy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.service.PrepareLaunch(r.Context(), vmID, p); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, h.service.Tracker().Get(vmID))
}

// HandleInjectSecret verifies the launch measurement of a VM and releases
// the secret into it.
//
// POST /api/launch/{vm_id}/secret with a SecretRequest body.
func (h *Handler) HandleInjectSecret(w http.ResponseWriter, r *http.Request) {
	vmID, err := vmIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req SecretRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		for _, e := range req.Entries {
			clear(e.Value)
		}
	}()

	var entries []launch.SecretEntry
	if req.DiskPassphrase != "" {
		entries = append(entries, launch.DiskPassphrase([]byte(req.DiskPassphrase)))
	}
	for _, e := range req.Entries {
		entries = append(entries, launch.SecretEntry{GUID: e.GUID, Value: e.Value})
	}
	if len(entries) == 0 {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("no secret in request")})
		return
	}

	vm, err := h.service.InjectSecret(r.Context(), vmID, entries...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, vm)
}

// HandleStatus returns the launch state of a VM.
//
// GET /api/launch/{vm_id}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	vmID, err := vmIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, h.service.Tracker().Get(vmID))
}

// HandleList returns the launch state of every known VM.
//
// GET /api/launch
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.Tracker().All())
}

// HandleAbandon ends the launch session of a VM.
//
// DELETE /api/launch/{vm_id}
func (h *Handler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	vmID, err := vmIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.Abandon(r.Context(), vmID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePolicy encodes a policy request and echoes its decoded form.
//
// POST /api/policy
func (h *Handler) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := req.resolve(h.defaultPolicy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := p.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, PolicyResponse{
		Policy:      p.String(),
		Flags:       p.Flags(),
		MinFirmware: p.MinFirmware(),
	})
}
