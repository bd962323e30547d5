package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/reconciler"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds the size of a command batch
const maxBodyBytes = 4 << 20

// Server serves the HTTP API of a topofabric node: health probes, metrics,
// topology commands, port bindings and reconciliation.
type Server struct {
	manager    *manager.Manager
	reconciler *reconciler.Reconciler
	version    string

	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP API. Either argument may be nil; the endpoints
// that need it then answer 503.
func NewServer(mgr *manager.Manager, rec *reconciler.Reconciler) *Server {
	s := &Server{
		manager:    mgr,
		reconciler: rec,
		version:    "dev",
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}

	// Probes
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/live", metrics.LivenessHandler())
	s.mux.Handle("/health/components", metrics.HealthHandler())
	s.mux.Handle("/metrics", metrics.Handler())

	// Topology
	s.mux.Handle("POST /v1/commands", instrument("commands", s.commandsHandler))
	s.mux.Handle("GET /v1/topology", instrument("topology", s.topologyHandler))
	s.mux.Handle("GET /v1/bindings/{port}", instrument("bindings", s.bindingHandler))

	// Reconciliation
	s.mux.Handle("POST /v1/reconcile", instrument("reconcile", s.reconcileHandler))
	s.mux.Handle("GET /v1/reconcile", instrument("last_report", s.lastReportHandler))

	return s
}

// SetVersion sets the version reported by /health
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute, // reconciliation passes answer synchronously
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (s *Server) GetHandler() http.Handler {
	return s.mux
}
