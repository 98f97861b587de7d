package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-gate/cerberus/internal/service"
)

const (
	// DefaultAddr binds to loopback so the gateway is not exposed by accident.
	DefaultAddr = "127.0.0.1:8080"

	shutdownTimeout = 10 * time.Second
)

// Server is the inbound HTTP surface: the governed proxy endpoint plus
// the operational endpoints (/healthz, /metrics).
type Server struct {
	addr         string
	tlsCertFile  string
	tlsKeyFile   string
	logger       *slog.Logger
	orchestrator *service.ProxyOrchestrator
	emitter      *service.AuditEmitter
	db           Pinger
	version      string

	registry *prometheus.Registry
	metrics  *Metrics
	httpSrv  *http.Server
}

// ServerOption customizes the Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Defaults to DefaultAddr.
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithTLS enables TLS with the given certificate and key files.
func WithTLS(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		s.tlsCertFile = certFile
		s.tlsKeyFile = keyFile
	}
}

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthDB wires a database pool into the health check.
func WithHealthDB(db Pinger) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithVersion reports a version string on /healthz.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer assembles the HTTP surface around the orchestrator. The
// emitter is used for health reporting and the audit drop gauge; it may
// be nil in tests.
func NewServer(orchestrator *service.ProxyOrchestrator, emitter *service.AuditEmitter, opts ...ServerOption) *Server {
	s := &Server{
		addr:         DefaultAddr,
		logger:       slog.Default(),
		orchestrator: orchestrator,
		emitter:      emitter,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)
	if s.emitter != nil {
		RegisterAuditDrops(s.registry, s.emitter.DroppedDecisions)
	}

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Metrics exposes the metric set for wiring into other components.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()

	proxy := NewProxyHandler(s.orchestrator, s.metrics, s.logger)
	// Method-agnostic pattern: the orchestrator forwards the verb as-is.
	mux.Handle("/governance-plane/api/v1/proxy/{path...}", http.Handler(proxy))

	health := NewHealthChecker(s.db, s.emitter, s.version)
	mux.Handle("/healthz", health.Handler())

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start runs the server until ctx is cancelled or the listener fails,
// then drains in-flight requests with a bounded shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		scheme := "http"
		if s.tlsCertFile != "" {
			scheme = "https"
		}
		s.logger.Info("http server listening", "addr", s.addr, "scheme", scheme)

		var err error
		if s.tlsCertFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
