package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/dagflow/internal/domain"
)

// Server exposes a WorkflowsServer as dagflow.v1.Workflows next to the
// standard grpc.health.v1.Health service.
type Server struct {
	config   domain.TransportConfig
	service  WorkflowsServer
	logger   *slog.Logger
	ready    ReadinessFunc
	interval time.Duration

	mu       sync.Mutex
	listener net.Listener
	grpc     *grpc.Server
	health   *healthReporter
	cancel   context.CancelFunc
	served   chan struct{}
}

type ServerOption func(*Server)

// WithListener serves on l instead of binding BindAddress:BindPort.
func WithListener(l net.Listener) ServerOption {
	return func(s *Server) { s.listener = l }
}

// WithReadiness drives the reported health status from ready, polled every
// interval.
func WithReadiness(ready ReadinessFunc, interval time.Duration) ServerOption {
	return func(s *Server) {
		s.ready = ready
		s.interval = interval
	}
}

func NewServer(config domain.TransportConfig, service WorkflowsServer, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  config,
		service: service,
		logger:  logger.With("component", "grpc-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.BindPort))
}

func (s *Server) options() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryServerInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(streamServerInterceptor(s.logger)),
	}
	if size := s.config.MaxMsgSize; size > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(size), grpc.MaxSendMsgSize(size))
	}
	if s.config.TLS != nil && s.config.TLS.Enabled {
		creds, err := ServerCredentials(s.config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	return opts, nil
}

// Start serves in the background until Stop is called or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpc != nil {
		return fmt.Errorf("grpc server: %w", domain.ErrAlreadyStarted)
	}

	opts, err := s.options()
	if err != nil {
		s.logger.Error("failed to load TLS credentials", "error", err)
		return err
	}

	if s.listener == nil {
		addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.BindPort))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return domain.NewSystemError("grpc-server", "listen "+addr, err)
		}
		s.listener = l
	}

	s.grpc = grpc.NewServer(opts...)
	s.health = newHealthReporter(s.ready, s.logger)
	RegisterWorkflowsServer(s.grpc, s.service)
	healthpb.RegisterHealthServer(s.grpc, s.health.server)
	s.health.set(true)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.served = make(chan struct{})

	srv, l, served, reporter := s.grpc, s.listener, s.served, s.health
	go func() {
		defer close(served)
		s.logger.Info("serving workflows", "address", l.Addr().String(), "tls", s.config.TLS != nil && s.config.TLS.Enabled)
		if err := srv.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server failed", "error", err)
		}
	}()
	if s.ready != nil {
		go reporter.follow(runCtx, s.interval)
	}
	go func() {
		select {
		case <-runCtx.Done():
			_ = s.Stop()
		case <-served:
		}
	}()
	return nil
}

// Health reports the status currently published for the Workflows service.
func (s *Server) Health(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	reporter := s.health
	s.mu.Unlock()
	if reporter == nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return reporter.status(ctx)
}

// Stop drains in-flight calls. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpc == nil {
		return nil
	}
	s.health.shutdown()
	s.cancel()
	s.grpc.GracefulStop()
	<-s.served

	s.grpc = nil
	s.listener = nil
	s.logger.Info("grpc server stopped")
	return nil
}
