// Package control publishes the guardian state over the gRPC health service.
package control

import (
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/guardian"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/sampler"
	"github.com/core-tools/hsu-oomguard/pkg/terminate"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PressureService is SERVING while Idle and NOT_SERVING while Relieving
const PressureService = "oomguard.pressure"

// Services lists the health services reported by status queries
var Services = []string{"", PressureService}

// HealthHandler tracks the loop mode as gRPC health statuses
type HealthHandler struct {
	server *health.Server
	logger logging.Logger
}

var _ guardian.Observer = (*HealthHandler)(nil)

func NewHealthHandler(logger logging.Logger) *HealthHandler {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.SetServingStatus(PressureService, healthpb.HealthCheckResponse_SERVING)
	return &HealthHandler{
		server: server,
		logger: logger,
	}
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler *HealthHandler, logger logging.Logger) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, handler.server)
	logger.Debugf("Health server handler registered")
}

func (h *HealthHandler) ModeChanged(mode guardian.Mode) {
	status := healthpb.HealthCheckResponse_SERVING
	if mode == guardian.ModeRelieving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(PressureService, status)
	h.logger.Debugf("Health server handler, %s: %s", PressureService, status)
}

func (h *HealthHandler) Sampled(state sampler.MemoryState, pressure bool) {}

func (h *HealthHandler) AttemptFinished(attempt terminate.KillAttempt) {}

func (h *HealthHandler) EpisodeFinished(result guardian.EpisodeResult, attempts int, duration time.Duration) {
}

// Shutdown marks every service NOT_SERVING; later mode changes are ignored
func (h *HealthHandler) Shutdown() {
	h.server.Shutdown()
}
