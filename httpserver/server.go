package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/sev-guest-owner/common"
	"github.com/ruteri/sev-guest-owner/metrics"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// Username and Password protect the launch API with basic
	// authentication when Username is set.
	Username string
	Password string

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Metrics returns the collectors the launch service reports to.
func (srv *Server) Metrics() *metrics.LaunchMetrics {
	return srv.metricsSrv.Launch()
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	mux.Group(func(r chi.Router) {
		if srv.cfg.Username != "" {
			r.Use(middleware.BasicAuth("sevd", map[string]string{srv.cfg.Username: srv.cfg.Password}))
		}
		srv.handler.RegisterRoutes(r)
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

type healthStatus struct {
	Status   string `json:"status"`
	InFlight int64  `json:"launches_in_flight"`
}

func (srv *Server) writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthStatus{Status: status, InFlight: srv.handler.service.InFlight()})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	srv.writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		srv.writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	srv.writeStatus(w, http.StatusOK, "ready")
}

// handleDrain stops advertising readiness. Launches already holding a VM
// are left to finish; their progress is logged until none remain or the
// drain period ends.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		srv.writeStatus(w, http.StatusOK, "already draining")
		return
	}

	srv.log.Info("Server marked as not ready", slog.Int64("launches_in_flight", srv.handler.service.InFlight()))
	go srv.awaitLaunches(srv.cfg.DrainDuration)

	srv.writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) awaitLaunches(limit time.Duration) {
	deadline := time.After(limit)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		n := srv.handler.service.InFlight()
		if n == 0 {
			srv.log.Info("Drain completed, no launches in flight")
			return
		}
		select {
		case <-deadline:
			srv.log.Warn("Drain period ended with launches in flight", slog.Int64("launches_in_flight", n))
			return
		case <-ticker.C:
		}
	}
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		srv.writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	srv.writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the API listener, and the metrics listener when
// MetricsAddr is set.
func (srv *Server) RunInBackground() {
	serve := func(name, addr string, listen func() error) {
		srv.log.Info("Starting "+name+" server", slog.String("listen_addr", addr))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error(name+" server failed", slog.String("listen_addr", addr), "err", err)
		}
	}

	if srv.cfg.MetricsAddr != "" {
		go serve("metrics", srv.cfg.MetricsAddr, srv.metricsSrv.ListenAndServe)
	}
	go serve("API", srv.cfg.ListenAddr, srv.srv.ListenAndServe)
}

// Shutdown stops accepting requests and waits, up to
// GracefulShutdownDuration, for running launches to return.
func (srv *Server) Shutdown() {
	srv.isReady.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	var result *multierror.Error
	if err := srv.srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("API server: %w", err))
	}
	if srv.cfg.MetricsAddr != "" {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics server: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		srv.log.Error("Graceful shutdown failed",
			slog.Int64("launches_in_flight", srv.handler.service.InFlight()),
			"err", err)
		return
	}
	srv.log.Info("Server gracefully stopped")
}
