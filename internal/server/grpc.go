package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the named service reported next to the overall "" status.
const healthService = "vibe.core.Commands"

const healthCheckInterval = 10 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type readiness interface {
	Ready() bool
}

// healthServer serves the standard gRPC health protocol for mesh probes.
// Status follows the store ping and the generation backend.
type healthServer struct {
	server   *grpc.Server
	health   *health.Server
	store    pinger
	orch     readiness
	interval time.Duration
	logger   *zap.Logger
}

func newHealthServer(store pinger, orch readiness, logger *zap.Logger) *healthServer {
	s := grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	return &healthServer{
		server:   s,
		health:   hs,
		store:    store,
		orch:     orch,
		interval: healthCheckInterval,
		logger:   logger,
	}
}

// Start listens on addr and keeps the serving status current until ctx ends.
func (h *healthServer) Start(ctx context.Context, addr string, wg *sync.WaitGroup) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.serve(ctx, ln, wg)
	return nil
}

func (h *healthServer) serve(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) {
	h.check(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		h.logger.Info("gRPC health server listening", zap.String("address", ln.Addr().String()))
		if err := h.server.Serve(ln); err != nil {
			h.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.check(ctx)
			}
		}
	}()
}

func (h *healthServer) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check: store ping failed", zap.Error(err))
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)

	if status == grpc_health_v1.HealthCheckResponse_SERVING && !h.orch.Ready() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(healthService, status)
}

// Stop marks every service not serving and stops, forcing after 5s.
func (h *healthServer) Stop() {
	h.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		h.logger.Info("gRPC server stopped gracefully")
	case <-time.After(5 * time.Second):
		h.logger.Warn("gRPC server forced to stop after timeout")
		h.server.Stop()
	}
}
