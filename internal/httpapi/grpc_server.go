package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"posterstore.dev/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer serves grpc.health.v1.Health with a status that follows the
// readiness probe. Both the overall ("") and the named service are updated.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

// Refresh runs the probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Warn("readiness check failed", map[string]any{"error": err})
	}
	obs.SetReady(ok)
	h.SetServingStatus("", status)
	h.SetServingStatus(ServiceName, status)
	return ok
}

// Run refreshes every interval until ctx ends, then marks everything
// NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.refreshWithTimeout(ctx, interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-t.C:
			h.refreshWithTimeout(ctx, interval)
		}
	}
}

func (h *HealthServer) refreshWithTimeout(ctx context.Context, d time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	h.Refresh(cctx)
}

// NewGRPCServer builds a gRPC server exposing the health service.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.Server)
	return s
}
