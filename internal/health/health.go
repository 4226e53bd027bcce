// Package health exposes dependency status over the standard gRPC health protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported by the health server.
const (
	ServiceModel    = "datachat.model"
	ServiceExecutor = "datachat.executor"
)

const defaultProbeInterval = 30 * time.Second

// Check reports a dependency error, or nil when it is usable.
type Check func(ctx context.Context) error

// Server serves grpc.health.v1 with one entry per dependency.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Check
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a health server. Each check is probed on Start.
func NewServer(checks map[string]Check, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		checks:   checks,
		interval: defaultProbeInterval,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	for name := range checks {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
	}
	return s
}

// Probe runs every check once and updates the reported status.
func (s *Server) Probe(ctx context.Context) {
	for name, check := range s.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			s.logger.Warn("Health probe failed", "service", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, status)
	}
}

// Start probes immediately and then every interval until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.Probe(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Probe(ctx)
			}
		}
	}()
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
