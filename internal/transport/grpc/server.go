package grpcx

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name load balancers probe.
const ServiceName = "canvassync.Relay"

// Pinger reports whether the room state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	}, opts...)
	return grpc.NewServer(opts...)
}

// Health publishes the standard gRPC health service. The relay reports
// SERVING while the store answers pings.
type Health struct {
	srv      *health.Server
	store    Pinger
	interval time.Duration
	timeout  time.Duration
}

func NewHealth(store Pinger, interval time.Duration) *Health {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &Health{
		srv:      health.NewServer(),
		store:    store,
		interval: interval,
		timeout:  2 * time.Second,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Check pings the store once and publishes the result.
func (h *Health) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("health: store ping failed", "err", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(st)
	return st
}

// Run re-checks every interval until ctx is done.
func (h *Health) Run(ctx context.Context) error {
	h.Check(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.Check(ctx)
		}
	}
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}
