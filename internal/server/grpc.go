package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health service. The overall status
// follows the alive probe.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	alive  func() bool
	logger *zap.Logger
}

func NewHealthServer(alive func() bool, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		alive:  alive,
		logger: logger.Named("grpc"),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.Update()
	return h
}

// Update publishes the current probe result.
func (h *HealthServer) Update() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.alive != nil && !h.alive() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Watch refreshes the status every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Update()
		}
	}
}

// Serve blocks on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("Starting gRPC health server", zap.String("Addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
