package platformsim

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/sev-guest-owner/api"
	"github.com/ruteri/sev-guest-owner/certchain"
	"github.com/ruteri/sev-guest-owner/launch"
	"go.uber.org/atomic"
)

const baseSSHPort = 2200

type vmState struct {
	vm      api.VM
	guest   *Guest
	secrets []launch.SecretEntry
}

// Orchestrator serves the orchestrator HTTP API on top of a simulated
// platform. It is meant for tests and local development.
type Orchestrator struct {
	platform *Platform
	username string
	password string
	log      *slog.Logger

	// SevInfoAsObject selects the object form of sev_info in measurement
	// responses instead of base64.
	SevInfoAsObject bool

	mu     sync.Mutex
	vms    map[string]*vmState
	nextID int

	certificateCalls atomic.Int64
	uploadCalls      atomic.Int64
	measureCalls     atomic.Int64
	injectCalls      atomic.Int64
}

// NewOrchestrator serves platform behind basic authentication.
func NewOrchestrator(platform *Platform, username, password string, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		platform: platform,
		username: username,
		password: password,
		log:      log,
		vms:      make(map[string]*vmState),
	}
}

// Handler returns the HTTP API.
func (o *Orchestrator) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.BasicAuth("orchestrator", map[string]string{o.username: o.password}))
	o.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes adds the orchestrator API to r.
func (o *Orchestrator) RegisterRoutes(r chi.Router) {
	r.Get("/platform/certificates", o.handleCertificates)
	r.Post("/vm", o.handleCreateVM)
	r.Get("/vm/{vm_id}", o.handleGetVM)
	r.Post("/vm/{vm_id}/upload-image", o.handleUploadImage)
	r.Post("/vm/{vm_id}/upload-guest-owner-certificates", o.handleUploadCertificates)
	r.Post("/vm/{vm_id}/start", o.handleStart)
	r.Get("/vm/{vm_id}/sev/measure", o.handleMeasure)
	r.Post("/vm/{vm_id}/sev/inject-secret", o.handleInjectSecret)
}

// CertificateCalls counts certificate downloads.
func (o *Orchestrator) CertificateCalls() int64 { return o.certificateCalls.Load() }

// UploadCalls counts guest-owner certificate uploads.
func (o *Orchestrator) UploadCalls() int64 { return o.uploadCalls.Load() }

// MeasureCalls counts measurement requests.
func (o *Orchestrator) MeasureCalls() int64 { return o.measureCalls.Load() }

// InjectCalls counts secret injection requests, including rejected ones.
func (o *Orchestrator) InjectCalls() int64 { return o.injectCalls.Load() }

// AddVM registers a VM without going through the API.
func (o *Orchestrator) AddVM(name string) api.VM {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	vm := api.VM{ID: fmt.Sprintf("vm-%d", o.nextID), Name: name, Status: "created"}
	o.vms[vm.ID] = &vmState{vm: vm}
	return vm
}

// Secrets returns what was injected into a VM.
func (o *Orchestrator) Secrets(vmID string) []launch.SecretEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.vms[vmID]; ok {
		return st.secrets
	}
	return nil
}

func (o *Orchestrator) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		o.log.Error("Failed to encode response", "err", err)
	}
}

// withVM runs fn with the state of the VM named in the path, under lock.
func (o *Orchestrator) withVM(w http.ResponseWriter, r *http.Request, fn func(st *vmState) (any, int, error)) {
	id := chi.URLParam(r, "vm_id")

	o.mu.Lock()
	st, ok := o.vms[id]
	if !ok {
		o.mu.Unlock()
		http.Error(w, "vm not found", http.StatusNotFound)
		return
	}
	resp, status, err := fn(st)
	o.mu.Unlock()

	if err != nil {
		o.log.Debug("Request rejected", slog.String("vm_id", id), slog.String("path", r.URL.Path), "err", err)
		http.Error(w, err.Error(), status)
		return
	}
	o.writeJSON(w, resp)
}

func (o *Orchestrator) handleCertificates(w http.ResponseWriter, r *http.Request) {
	o.certificateCalls.Inc()
	archive, err := o.platform.Archive()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Write(archive)
}

func (o *Orchestrator) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req api.CreateVMRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	o.writeJSON(w, o.AddVM(req.Name))
}

func (o *Orchestrator) handleGetVM(w http.ResponseWriter, r *http.Request) {
	o.withVM(w, r, func(st *vmState) (any, int, error) {
		return st.vm, http.StatusOK, nil
	})
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (o *Orchestrator) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	image, err := readFormFile(r, "vm_image_tarball")
	if err != nil || len(image) == 0 {
		http.Error(w, "missing vm_image_tarball", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("image_name")
	o.withVM(w, r, func(st *vmState) (any, int, error) {
		st.vm.Image = name
		st.vm.Status = "image-uploaded"
		return st.vm, http.StatusOK, nil
	})
}

func (o *Orchestrator) handleUploadCertificates(w http.ResponseWriter, r *http.Request) {
	o.uploadCalls.Inc()
	archive, err := readFormFile(r, "guest_owner_certificates")
	if err != nil {
		http.Error(w, "missing guest_owner_certificates", http.StatusBadRequest)
		return
	}
	files, err := certchain.ExtractArchive(archive)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.withVM(w, r, func(st *vmState) (any, int, error) {
		guest, err := o.platform.Launch(files[launch.GODHCertFile], files[launch.LaunchBlobFile])
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		st.guest = guest
		st.vm.Status = "certificates-uploaded"
		return map[string]string{"status": "ok"}, http.StatusOK, nil
	})
}

func (o *Orchestrator) handleStart(w http.ResponseWriter, r *http.Request) {
	o.withVM(w, r, func(st *vmState) (any, int, error) {
		if st.guest == nil {
			return nil, http.StatusConflict, fmt.Errorf("guest owner certificates not uploaded")
		}
		st.vm.Status = "waiting-for-secret"
		return st.vm, http.StatusOK, nil
	})
}

func (o *Orchestrator) handleMeasure(w http.ResponseWriter, r *http.Request) {
	o.measureCalls.Inc()
	o.withVM(w, r, func(st *vmState) (any, int, error) {
		if st.guest == nil || st.vm.Status != "waiting-for-secret" {
			return nil, http.StatusConflict, fmt.Errorf("vm is not waiting for a secret")
		}
		measure, err := st.guest.Measure()
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		info := st.guest.SevInfo()
		if o.SevInfoAsObject {
			return map[string]any{
				"launch_measure": measure,
				"sev_info": map[string]any{
					"api_major": info.APIMajor,
					"api_minor": info.APIMinor,
					"build_id":  info.BuildID,
					"policy":    uint32(info.Policy),
				},
			}, http.StatusOK, nil
		}
		return api.MeasurementResponse{LaunchMeasure: measure, SevInfo: info.Bytes()}, http.StatusOK, nil
	})
}

func (o *Orchestrator) handleInjectSecret(w http.ResponseWriter, r *http.Request) {
	o.injectCalls.Inc()
	header, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("packet_header"))
	if err != nil {
		http.Error(w, "invalid packet_header", http.StatusBadRequest)
		return
	}
	secret, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("secret"))
	if err != nil {
		http.Error(w, "invalid secret", http.StatusBadRequest)
		return
	}

	o.withVM(w, r, func(st *vmState) (any, int, error) {
		if st.guest == nil || st.vm.Status != "waiting-for-secret" {
			return nil, http.StatusConflict, fmt.Errorf("vm is not waiting for a secret")
		}
		entries, err := st.guest.InjectSecret(header, secret)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		st.secrets = entries
		st.vm.Status = "running"
		n, _ := strconv.Atoi(st.vm.ID[len("vm-"):])
		st.vm.SSHPort = baseSSHPort + n
		return st.vm, http.StatusOK, nil
	})
}
