// Package health exposes broker readiness over the standard gRPC health
// protocol for orchestrators that probe with grpc_health_probe.
package health

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service is the service name reported alongside the overall ("") status.
const Service = "termshare.Broker"

const (
	defaultInterval = 10 * time.Second
	probeTimeout    = 3 * time.Second
	stopTimeout     = 5 * time.Second
)

// Check is one readiness dependency, such as the journal database.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server serves grpc.health.v1.Health and keeps its status in step with
// the registered checks.
type Server struct {
	grpc     *grpc.Server
	hs       *health.Server
	checks   []Check
	interval time.Duration

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates a health server. A non-positive interval selects the
// default probe period.
func NewServer(interval time.Duration, checks ...Check) *Server {
	if interval <= 0 {
		interval = defaultInterval
	}
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpc:     gs,
		hs:       hs,
		checks:   checks,
		interval: interval,
		status:   healthpb.HealthCheckResponse_UNKNOWN,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts health probes on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Run probes the checks immediately and then every interval until ctx is
// done.
func (s *Server) Run(ctx context.Context) {
	s.Probe(ctx)
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
}

// Probe runs every check once and publishes the result. The broker is
// serving only when all checks pass.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, c := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Fn(checkCtx)
		cancel()
		if err != nil {
			slog.Warn("Health check failed", "check", c.Name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.set(status)
	return status
}

// Shutdown marks the broker not serving, then stops the gRPC server,
// forcing it after a short grace period.
func (s *Server) Shutdown() {
	s.hs.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.grpc.Stop()
	}
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == s.status {
		return
	}
	s.status = status
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
	slog.Info("Health status changed", "status", status.String())
}
