// Package metrics exposes the Prometheus metrics of the guest-owner daemon.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultMismatch = "mismatch"
)

// LaunchMetrics counts the outcomes of the launch protocol steps. A nil
// *LaunchMetrics is valid and records nothing.
type LaunchMetrics struct {
	launches      *prometheus.CounterVec
	verifications *prometheus.CounterVec
	injections    *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// NewLaunchMetrics creates the launch collectors and registers them with reg.
func NewLaunchMetrics(namespace string, reg prometheus.Registerer) (*LaunchMetrics, error) {
	m := &LaunchMetrics{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "prepared_total",
			Help:      "Launch blobs generated, by result.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "measurement_verifications_total",
			Help:      "Launch measurement verifications, by result.",
		}, []string{"result"}),
		injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "secret_injections_total",
			Help:      "Secret injections, by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "operations_in_flight",
			Help:      "Launch operations currently holding a VM lock.",
		}),
	}

	for _, c := range []prometheus.Collector{m.launches, m.verifications, m.injections, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveLaunch counts a launch blob generation.
func (m *LaunchMetrics) ObserveLaunch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

// ObserveVerification counts a measurement check.
func (m *LaunchMetrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// ObserveInjection counts a secret injection.
func (m *LaunchMetrics) ObserveInjection(result string) {
	if m == nil {
		return
	}
	m.injections.WithLabelValues(result).Inc()
}

// SetInFlight reports the number of running launch operations.
func (m *LaunchMetrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// MetricsServer serves a dedicated registry on /metrics.
type MetricsServer struct {
	registry *prometheus.Registry
	launch   *LaunchMetrics
	srv      *http.Server
}

// New creates a metrics server listening on addr. Go runtime and process
// collectors are always registered.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	launch, err := NewLaunchMetrics(namespace, registry)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		launch:   launch,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Launch returns the launch collectors served by this server.
func (s *MetricsServer) Launch() *LaunchMetrics {
	return s.launch
}

// Handler returns the /metrics handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
