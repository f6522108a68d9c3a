// Package grpcserver runs the gRPC side of the API: the standard health service
// plus auth and logging interceptors.
package grpcserver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the slide API.
const ServiceName = "backdrop.Slide"

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Health keeps the gRPC health status in sync with dependency checks.
type Health struct {
	server *health.Server
	checks map[string]Check

	mu   sync.Mutex
	last map[string]error
}

// NewHealth creates a Health with every check initially unknown and the service SERVING.
// A failing check flips ServiceName and "" to NOT_SERVING.
func NewHealth(checks map[string]Check) *Health {
	h := &Health{
		server: health.NewServer(),
		checks: checks,
		last:   make(map[string]error),
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Server returns the grpc health server to register.
func (h *Health) Server() *health.Server {
	return h.server
}

// CheckOnce runs every check and updates the serving status. It returns the failures by name.
func (h *Health) CheckOnce(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err
		}
	}

	h.mu.Lock()
	for name := range h.checks {
		prev, now := h.last[name], failed[name]
		if (prev == nil) != (now == nil) {
			if now != nil {
				log.Warn().Err(now).Str("dependency", name).Msg("Dependency unhealthy")
			} else {
				log.Info().Str("dependency", name).Msg("Dependency recovered")
			}
		}
		h.last[name] = now
	}
	h.mu.Unlock()

	st := healthpb.HealthCheckResponse_SERVING
	if len(failed) > 0 {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
	return failed
}

// Run checks every interval until ctx is done, then marks everything NOT_SERVING.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		h.CheckOnce(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// NewServer builds the gRPC server with logging and auth interceptors and the health service.
func NewServer(h *Health, authService *auth.Service) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingUnaryInterceptor(),
		AuthUnaryInterceptor(authService),
	))
	healthpb.RegisterHealthServer(srv, h.Server())
	return srv
}
