package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/cpuhz-web/internal/api"
	"github.com/skobkin/cpuhz-web/internal/config"
	"github.com/skobkin/cpuhz-web/internal/cpustat"
	"github.com/skobkin/cpuhz-web/internal/sampler"
	"github.com/skobkin/cpuhz-web/internal/topology"
	"github.com/skobkin/cpuhz-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	host       topology.Host
	cores      []topology.CPU
	sampler    *sampler.Manager
	load       *cpustat.Manager

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. The sampler and load managers
// may be nil; dependent routes then answer 503.
func New(cfg config.Config, logger *slog.Logger, host topology.Host, cores []topology.CPU, samplerManager *sampler.Manager, loadManager *cpustat.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		host:    host,
		cores:   cores,
		sampler: samplerManager,
		load:    loadManager,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.HandleFunc("/api/host", s.handleAPIHost)
	mux.HandleFunc("/api/cores", s.handleAPICores)
	mux.HandleFunc("/api/cores/", s.handleAPICoreSubresource)
	mux.HandleFunc("/api/snapshot", s.handleAPISnapshot)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any, what string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "payload", what, "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info, "readyz")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current(), "version")
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	logger := s.loggerFromContext(r.Context())
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) handleAPIHost(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.host, "host")
}

func (s *Server) handleAPICores(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	cores := s.cores
	if cores == nil {
		cores = []topology.CPU{}
	}
	s.writeJSON(w, r, http.StatusOK, cores, "cores")
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.sampler == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	snapshot, ok := s.sampler.Latest()
	if !ok {
		http.Error(w, "no snapshot available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.NewSnapshotMessage(snapshot, s.latestLoad()), "snapshot")
}

func (s *Server) handleAPICoreSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/cores/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	index, err := strconv.Atoi(segments[0])
	if err != nil || index < 0 {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "metrics":
		s.serveCoreMetrics(w, r, index)
	case "load":
		s.serveCoreLoad(w, r, index)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveCoreMetrics(w http.ResponseWriter, r *http.Request, index int) {
	if s.sampler == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, ok := s.sampler.Latest()
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}

	core, ok := snapshot.Core(index)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, core, "core metrics")
}

func (s *Server) serveCoreLoad(w http.ResponseWriter, r *http.Request, cpu int) {
	if s.load == nil || !s.load.Enabled() {
		http.Error(w, "load scanner unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, ok := s.load.Latest()
	if !ok {
		http.Error(w, "no load data available", http.StatusServiceUnavailable)
		return
	}

	load, ok := snapshot.Core(cpu)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, r, http.StatusOK, load, "core load")
}

func (s *Server) latestLoad() *cpustat.Snapshot {
	if s.load == nil {
		return nil
	}
	snapshot, ok := s.load.Latest()
	if !ok {
		return nil
	}
	return &snapshot
}

func (s *Server) features() map[string]bool {
	return map[string]bool{
		"load":        s.load != nil && s.load.Enabled(),
		"verify_core": s.cfg.Sampler.VerifyCore,
		"prometheus":  s.cfg.EnablePrometheus,
		"mqtt":        s.cfg.MQTT.Enabled(),
	}
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	wsCounter := func(name, help string, value *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value.Load())
		})
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		wsCounter("connections_total", "Total WebSocket connections accepted since start.", &s.wsTotal),
		wsCounter("rejected_total", "Total WebSocket connection attempts rejected due to capacity.", &s.wsRejected),
		wsCounter("messages_sent_total", "Total WebSocket messages sent to clients.", &s.wsSent),
		wsCounter("messages_dropped_total", "Total WebSocket messages dropped due to backpressure.", &s.wsDropped),
	}

	if coreCollector := newCoreMetricsCollector(s.sampler, s.load); coreCollector != nil {
		collectors = append(collectors, coreCollector)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		Cores: len(s.cores),
	}

	if s.sampler == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_configured"
		return resp
	}

	resp.Rounds = s.sampler.Rounds()
	if !s.sampler.Ready() {
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
		return resp
	}

	if s.load != nil && !s.load.Ready() {
		resp.Status = "initializing"
		resp.Reason = "waiting_for_load"
		return resp
	}

	resp.Status = "ok"
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	Cores  int    `json:"cores"`
	Rounds uint64 `json:"rounds"`
	Reason string `json:"reason,omitempty"`
}
