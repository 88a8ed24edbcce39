package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/monitoring"
)

// MonitorServer serves Prometheus metrics and the health endpoints.
type MonitorServer struct {
	addr          string
	logger        *slog.Logger
	healthChecker *monitoring.HealthChecker
	mux           *http.ServeMux

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewMonitorServer creates a monitoring server for addr. hc may be nil, in
// which case the endpoints answer with a minimal OK.
func NewMonitorServer(addr string, hc *monitoring.HealthChecker, logger *slog.Logger) *MonitorServer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MonitorServer{
		addr:          addr,
		logger:        logger.With("component", "monitoring"),
		healthChecker: hc,
		mux:           http.NewServeMux(),
	}
	m.setupRoutes()
	return m
}

func (m *MonitorServer) setupRoutes() {
	m.mux.Handle("/metrics", promhttp.Handler())
	m.mux.HandleFunc("/health", m.endpoint(func(hc *monitoring.HealthChecker) http.HandlerFunc { return hc.HealthHandler() },
		map[string]interface{}{"status": "ok"}))
	m.mux.HandleFunc("/ready", m.endpoint(func(hc *monitoring.HealthChecker) http.HandlerFunc { return hc.ReadinessHandler() },
		map[string]interface{}{"ready": true, "status": "ok"}))
	m.mux.HandleFunc("/live", m.endpoint(func(hc *monitoring.HealthChecker) http.HandlerFunc { return hc.LivenessHandler() },
		map[string]interface{}{"alive": true}))
}

// endpoint serves a health route from the checker, or fallback without one.
func (m *MonitorServer) endpoint(handler func(*monitoring.HealthChecker) http.HandlerFunc, fallback map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			m.logger.Debug("rejected health method", "request_id", requestID(r.Context()), "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if m.healthChecker != nil {
			handler(m.healthChecker)(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(fallback); err != nil {
			m.logger.Error("failed to encode health response", "request_id", requestID(r.Context()), "error", err)
		}
	}
}

// Handler returns the routes wrapped in the middleware chain.
func (m *MonitorServer) Handler() http.Handler {
	return chain(m.mux, noStoreHeaders, withRequestID, requestLogger(m.logger), traceRequests)
}

// Start listens on the configured address and serves in the background. It
// returns once the listener is bound.
func (m *MonitorServer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpSrv != nil {
		return core.NewError(core.ErrInternalError, "monitoring server already started").
			WithGuidance("Stop the monitoring server before starting it again.")
	}

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}

	m.httpSrv = &http.Server{
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := m.httpSrv

	m.logger.Info("starting monitoring server", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitoring server error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (m *MonitorServer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpSrv == nil {
		return nil
	}

	m.logger.Info("shutting down monitoring server")
	err := m.httpSrv.Shutdown(ctx)
	m.httpSrv = nil
	return err
}
