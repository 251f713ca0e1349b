// Package api serves the dashboard HTTP surface: log queries, stats,
// configuration, controller settings, and health.
package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/config"
	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/metrics"
	"grimm.is/loginsight/internal/receiver"
	"grimm.is/loginsight/internal/services"
	"grimm.is/loginsight/internal/store"
	"grimm.is/loginsight/internal/unifi"
)

// Version is stamped at build time.
var Version = "dev"

// ServerOptions holds the server's dependencies.
type ServerOptions struct {
	Settings *config.Settings
	Store    *store.Store
	Enricher *enrich.Enricher
	Catalog  *services.Catalog
	UniFi    *unifi.Client
	Poller   *unifi.Poller
	Receiver *receiver.Receiver
	// Reload pushes fresh network config into the ingest path after the
	// wizard or settings change it.
	Reload func()
	Clock  clock.Clock
	Logger *logging.Logger
}

// Server handles API requests.
type Server struct {
	cfg      *config.Settings
	st       *store.Store
	enricher *enrich.Enricher
	catalog  *services.Catalog
	uc       *unifi.Client
	poller   *unifi.Poller
	recv     *receiver.Receiver
	reload   func()
	clk      clock.Clock
	log      *logging.Logger

	startTime time.Time
	mux       *http.ServeMux
}

// NewServer creates the API server and registers its routes.
func NewServer(opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	s := &Server{
		cfg:       opts.Settings,
		st:        opts.Store,
		enricher:  opts.Enricher,
		catalog:   opts.Catalog,
		uc:        opts.UniFi,
		poller:    opts.Poller,
		recv:      opts.Receiver,
		reload:    opts.Reload,
		clk:       clk,
		log:       log.WithComponent("api"),
		startTime: clk.Now(),
	}
	if s.reload == nil {
		s.reload = func() {}
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	// Logs
	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("GET /api/logs/{id}", s.handleGetLog)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/services", s.handleServices)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	// Health and threat intel
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/abuseipdb/status", s.handleAbuseStatus)
	mux.HandleFunc("POST /api/enrich/{ip}", s.handleManualEnrich)

	// Config
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/config/export", s.handleConfigExport)
	mux.HandleFunc("POST /api/config/import", s.handleConfigImport)
	mux.HandleFunc("GET /api/config/retention", s.handleGetRetention)
	mux.HandleFunc("POST /api/config/retention", s.handleSetRetention)
	mux.HandleFunc("POST /api/config/retention/cleanup", s.handleRetentionCleanup)
	mux.HandleFunc("POST /api/config/vpn-networks", s.handleSetVPNNetworks)

	// Setup wizard
	mux.HandleFunc("GET /api/setup/status", s.handleSetupStatus)
	mux.HandleFunc("GET /api/setup/wan-candidates", s.handleWANCandidates)
	mux.HandleFunc("GET /api/setup/network-segments", s.handleNetworkSegments)
	mux.HandleFunc("POST /api/setup/complete", s.handleSetupComplete)
	mux.HandleFunc("GET /api/interfaces", s.handleInterfaces)

	// Controller settings
	mux.HandleFunc("GET /api/settings/unifi", s.handleGetUniFiSettings)
	mux.HandleFunc("PUT /api/settings/unifi", s.handlePutUniFiSettings)
	mux.HandleFunc("POST /api/settings/unifi/test", s.handleUniFiTest)
	mux.HandleFunc("POST /api/settings/unifi/dismiss-upgrade", s.handleDismissUpgrade)

	// Controller-fed views
	mux.HandleFunc("GET /api/unifi/clients", s.handleUniFiClients)
	mux.HandleFunc("GET /api/unifi/devices", s.handleUniFiDevices)
	mux.HandleFunc("GET /api/unifi/status", s.handleUniFiStatus)
	mux.HandleFunc("GET /api/unifi/network-config", s.handleUniFiNetworkConfig)
	mux.HandleFunc("POST /api/unifi/backfill-device-names", s.handleBackfillDeviceNames)

	// Firewall
	mux.HandleFunc("GET /api/firewall/policies", s.handleFirewallPolicies)
	mux.HandleFunc("PATCH /api/firewall/policies/{id}", s.handlePatchFirewallPolicy)
	mux.HandleFunc("POST /api/firewall/policies/bulk-logging", s.handleBulkLogging)

	mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP dispatches with request instrumentation. Metrics are labelled by
// the mux pattern, not the raw path, to keep cardinality bounded.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)

	_, pattern := s.mux.Handler(r)
	if pattern == "" {
		pattern = "unmatched"
	}
	metrics.Get().RecordAPIRequest(r.Method, pattern, sw.status, time.Since(start).Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works behind the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
