package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported through the gRPC health service.
const ServiceName = "switchboard.Gateway"

// NewGRPCServer exposes hs (plus reflection) for load balancers and the
// `sbd health --grpc` check. The gateway itself speaks WebSocket and SSE, so
// health is the only registered service; callers flip its status with
// hs.SetServingStatus.
func NewGRPCServer(hs *health.Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
		),
		grpc.StreamInterceptor(StreamLoggingInterceptor),
	)

	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv
}
