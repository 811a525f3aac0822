// ABOUTME: gRPC server construction for the agent backchannel
// ABOUTME: Registers the backchannel service and a health service that tracks the agent connection

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/studio-gateway/internal/backchannel"
)

// createGRPCServer builds the gRPC server with the backchannel and health
// services registered. Health reports SERVING only while an agent is connected.
func createGRPCServer(registry *backchannel.Registry, token string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(streamLoggingInterceptor(logger.With("component", "grpc"))),
	)

	backchannel.NewGRPCServer(registry, token, logger.With("component", "backchannel-grpc")).Register(server)

	hs := health.NewServer()
	setHealth(hs, false)
	registry.OnConnectionChange(func(connected bool) {
		setHealth(hs, connected)
	})
	healthpb.RegisterHealthServer(server, hs)

	if token == "" {
		logger.Warn("backchannel token not configured - any agent may connect")
	}
	return server, hs
}

// setHealth updates both the overall and the backchannel service status.
func setHealth(hs *health.Server, connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(backchannel.ServiceName, status)
}

// streamLoggingInterceptor logs the lifetime of every stream.
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("stream opened", "method", info.FullMethod)
		err := handler(srv, ss)
		attrs := []any{"method", info.FullMethod, "elapsed", time.Since(start).Round(time.Millisecond)}
		if err != nil {
			logger.Info("stream closed", append(attrs, "error", err)...)
		} else {
			logger.Debug("stream closed", attrs...)
		}
		return err
	}
}
