package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService serves the standard gRPC health checking protocol so orchestrators
// can probe the coordinator. The overall status ("") is SERVING while it runs.
type HealthService struct {
	addr   string
	logger *zap.Logger
	status *health.Server
	grpc   *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthService creates a HealthService listening on addr.
//
// Precondition: addr must be a "host:port" string; logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	status := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, status)
	return &HealthService{
		addr:   addr,
		logger: logger,
		status: status,
		grpc:   srv,
	}
}

// SetServing marks a named component as serving or not. The empty name is the
// overall server status.
func (h *HealthService) SetServing(component string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus(component, st)
}

// Start listens and serves health checks until Stop is called.
//
// Postcondition: The listener is closed when this method returns.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.status.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// Stop reports NOT_SERVING to any watchers and drains in-flight checks.
func (h *HealthService) Stop() {
	h.status.Shutdown()
	h.grpc.GracefulStop()
}

// Addr returns the bound address, or an empty string before Start has listened.
func (h *HealthService) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
