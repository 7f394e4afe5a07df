// Package selfmetrics exposes the runtime's own health as Prometheus
// metrics and a small HTTP surface (/metrics, /health), independent of
// the measurement pipeline's own transport.
package selfmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the fixed set of self-observability instruments the runtime
// updates as it dispatches batches. All are registered against a private
// prometheus.Registry rather than the global default one, so multiple
// Metrics instances (e.g. in tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	SourcePolls     *prometheus.CounterVec
	SourceErrors    *prometheus.CounterVec
	TransformErrors *prometheus.CounterVec
	OutputWrites    *prometheus.CounterVec
	OutputErrors    *prometheus.CounterVec
	OutputQueueLen  *prometheus.GaugeVec
}

// New builds a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SourcePolls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "alumet_source_polls_total",
			Help: "Number of times a source's Poll method was invoked.",
		}, []string{"source"}),
		SourceErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "alumet_source_errors_total",
			Help: "Number of poll errors, by source and severity.",
		}, []string{"source", "severity"}),
		TransformErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "alumet_transform_errors_total",
			Help: "Number of transform errors, by transform and severity.",
		}, []string{"transform", "severity"}),
		OutputWrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "alumet_output_writes_total",
			Help: "Number of batches successfully written, by output.",
		}, []string{"output"}),
		OutputErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "alumet_output_errors_total",
			Help: "Number of write errors, by output and severity.",
		}, []string{"output", "severity"}),
		OutputQueueLen: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "alumet_output_queue_length",
			Help: "Current number of batches queued for an output.",
		}, []string{"output"}),
	}
	return m
}

// Server serves /metrics and /health on a dedicated address, independent
// of the measurement pipeline's own lifecycle.
type Server struct {
	httpServer *http.Server
}

// NewServer builds an HTTP server for m, bound to addr but not yet
// listening — call Start to do that.
func NewServer(addr string, m *Metrics) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{httpServer: &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start begins serving in the background. Errors after a successful
// startup (including a clean Stop-triggered shutdown) are not reported
// here; callers that need them should not treat an idle Server as
// fire-and-forget in a production deployment.
func (s *Server) Start() {
	go func() {
		_ = s.httpServer.ListenAndServe()
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
