package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"jirasync.io/internal/obs"
)

// SyncServiceName is the health-check service name of the sync engine.
const SyncServiceName = "jirasync.v1.Sync"

// GRPCServer serves the standard gRPC health protocol. Check evaluates
// readiness on every call; Watch streams the last evaluated status.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		Server:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Register attaches the health service to g.
func (s *GRPCServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s)
}

// Check evaluates readiness. The empty service name and SyncServiceName are
// known; anything else is NotFound.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", SyncServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set(st)
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// Refresh re-evaluates readiness so Watch subscribers see changes without
// anyone calling Check.
func (s *GRPCServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set(st)
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.SetServingStatus("", st)
	s.SetServingStatus(SyncServiceName, st)
}

// Version is reported in startup logs.
func (s *GRPCServer) Version() string { return s.version }
