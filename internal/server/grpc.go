package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the grpc.health.v1 service name reported alongside "".
const HealthServiceName = "kubilitics.remediation.v1.Orchestrator"

const healthProbeInterval = 15 * time.Second

func newGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(1<<20),
		grpc.ConnectionTimeout(30*time.Second),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}

// updateHealth sets the serving status from a database ping.
func (s *Server) updateHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.orch.Ping(pingCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("health probe failed", zap.Error(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	return status
}

// probeHealth refreshes the gRPC health status until ctx is done.
func (s *Server) probeHealth(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	s.updateHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth(ctx)
		}
	}
}
