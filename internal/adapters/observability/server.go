package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const shutdownTimeout = 5 * time.Second

// Server answers probes and scrapes over plain HTTP.
type Server struct {
	config  domain.ObservabilityConfig
	logger  *slog.Logger
	health  ports.HealthCheckProvider
	stats   ports.StatsProvider
	metrics *Metrics
	tracer  trace.TracerProvider
	started time.Time

	mu       sync.Mutex
	listener net.Listener
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// EngineReport is the body of GET /debug/engine.
type EngineReport struct {
	Active     []string                         `json:"active_executions"`
	Metrics    domain.ExecutionMetrics          `json:"metrics"`
	Circuits   map[string]ports.CircuitSnapshot `json:"circuits"`
	RateLimits map[string]ports.TargetLimit     `json:"rate_limits"`
}

type ServerOption func(*Server)

// WithTracerProvider instruments every request with spans from tp.
func WithTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) { s.tracer = tp }
}

func NewServer(config domain.ObservabilityConfig, health ports.HealthCheckProvider, stats ports.StatsProvider,
	metrics *Metrics, logger *slog.Logger, opts ...ServerOption) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultObservabilityConfig()
	config.ReadTimeout = orDefault(config.ReadTimeout, defaults.ReadTimeout)
	config.WriteTimeout = orDefault(config.WriteTimeout, defaults.WriteTimeout)
	config.IdleTimeout = orDefault(config.IdleTimeout, defaults.IdleTimeout)

	s := &Server{
		config:  config,
		logger:  logger.With("component", "observability"),
		health:  health,
		stats:   stats,
		metrics: metrics,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Handler returns the routed, instrumented handler without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /ready", s.serveReady)
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("live"))
	})
	if s.stats != nil {
		mux.HandleFunc("GET /debug/engine", s.serveEngine)
	}
	if resetter, ok := s.stats.(ports.CircuitResetter); ok {
		mux.HandleFunc("POST /debug/circuits/{target}/reset", func(w http.ResponseWriter, r *http.Request) {
			s.serveReset(w, r, resetter)
		})
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	var opts []otelhttp.Option
	if s.tracer != nil {
		opts = append(opts, otelhttp.WithTracerProvider(s.tracer))
	}
	return otelhttp.NewHandler(s.logRequests(mux), "dagflow.observability", opts...)
}

// Start serves until ctx is done, then drains for up to five seconds.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return domain.NewSystemError("observability", "listen", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.logger.Info("observability server listening", "addr", l.Addr().String())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("observability server failed", "error", err)
		return domain.NewSystemError("observability", "serve", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("observability server stopping")
	return srv.Shutdown(drainCtx)
}

// Addr is empty until Start has bound its listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Ready: true, Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.health == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h := s.health.GetHealth()
	resp.Ready = h.Ready
	resp.Error = h.Error
	if len(h.Details) > 0 {
		resp.Components = make(map[string]string, len(h.Details))
		for k, v := range h.Details {
			resp.Components[k] = fmt.Sprint(v)
		}
	}
	code := http.StatusOK
	if !h.Healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) serveReady(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if h := s.health.GetHealth(); !h.Healthy || !h.Ready {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) serveEngine(w http.ResponseWriter, _ *http.Request) {
	active := s.stats.Active()
	sort.Strings(active)
	writeJSON(w, http.StatusOK, EngineReport{
		Active:     active,
		Metrics:    s.stats.Metrics(),
		Circuits:   s.stats.BreakerMetrics(),
		RateLimits: s.stats.RateLimits(),
	})
}

func (s *Server) serveReset(w http.ResponseWriter, r *http.Request, resetter ports.CircuitResetter) {
	target := r.PathValue("target")
	if !resetter.ResetCircuit(target) {
		http.Error(w, fmt.Sprintf("no circuit for target %q", target), http.StatusNotFound)
		return
	}
	s.logger.Info("circuit reset by operator", "target", target, "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start))
	})
}
