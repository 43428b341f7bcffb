package app

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/toolhub/internal/engine"
)

// healthServer reports the hub as service "" and every engine under its
// own name: SERVING while online, NOT_SERVING otherwise.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

func newHealthServer(logger *slog.Logger) *healthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &healthServer{grpc: srv, health: hs, logger: logger}
}

// observe is registered as a hub status listener.
func (h *healthServer) observe(ev engine.StatusEvent) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ev.To == engine.StatusOnline {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ev.Engine, status)
}

func (h *healthServer) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.grpc.Serve(ln) }()
	h.logger.Info("health_listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.health.Shutdown()
		h.grpc.GracefulStop()
		return nil
	}
}
