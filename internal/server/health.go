package server

import (
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the queue.
const ServiceName = "toolshelf.Queue"

// Health wraps grpc's health server. It starts SERVING.
type Health struct {
	srv     *health.Server
	serving atomic.Bool
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.SetServing(true)
	return h
}

// Register attaches the health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// SetServing flips both the overall and the queue service status.
func (h *Health) SetServing(serving bool) {
	h.serving.Store(serving)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

func (h *Health) Serving() bool {
	return h.serving.Load()
}

// Shutdown marks everything NOT_SERVING; later SetServing calls are ignored by grpc.
func (h *Health) Shutdown() {
	h.serving.Store(false)
	h.srv.Shutdown()
}
