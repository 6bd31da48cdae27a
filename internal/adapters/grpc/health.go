package grpc

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultReadinessInterval = 5 * time.Second

// ReadinessFunc reports whether the process behind the server can take work.
type ReadinessFunc func() bool

// healthReporter publishes the Workflows service's serving status on the
// standard health service, following a ReadinessFunc.
type healthReporter struct {
	logger  *slog.Logger
	server  *health.Server
	ready   ReadinessFunc
	serving atomic.Bool
}

func newHealthReporter(ready ReadinessFunc, logger *slog.Logger) *healthReporter {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &healthReporter{
		logger: logger,
		server: health.NewServer(),
		ready:  ready,
	}
}

func (h *healthReporter) set(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
	if h.serving.Swap(serving) != serving {
		h.logger.Info("health status changed", "service", ServiceName, "status", status.String())
	}
}

// follow re-reads readiness every interval until ctx ends.
func (h *healthReporter) follow(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReadinessInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.set(h.ready())
		}
	}
}

// shutdown flips every service to NOT_SERVING and ends open Watch streams.
func (h *healthReporter) shutdown() {
	h.set(false)
	h.server.Shutdown()
}

func (h *healthReporter) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}
