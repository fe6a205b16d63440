package control

import (
	"context"
	"strings"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// ServiceStatus is one health service and its reported status
type ServiceStatus struct {
	Service  string
	Response *healthpb.HealthCheckResponse
}

type ClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) *ClientGateway {
	return &ClientGateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

func (gw *ClientGateway) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		gw.logger.Errorf("Health client gateway, service: %q, error: %v", service, err)
		return nil, errors.NewIOError("health check failed", err).WithContext("service", service)
	}
	gw.logger.Debugf("Health client gateway done, service: %q", service)
	return response, nil
}

// Status checks every known service
func (gw *ClientGateway) Status(ctx context.Context) ([]ServiceStatus, error) {
	statuses := make([]ServiceStatus, 0, len(Services))
	for _, service := range Services {
		response, err := gw.Check(ctx, service)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, ServiceStatus{Service: service, Response: response})
	}
	return statuses, nil
}

// FormatStatus renders one protojson line per service
func FormatStatus(statuses []ServiceStatus) (string, error) {
	marshaler := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}

	var b strings.Builder
	for _, status := range statuses {
		data, err := marshaler.Marshal(status.Response)
		if err != nil {
			return "", errors.NewInternalError("failed to marshal health response", err).WithContext("service", status.Service)
		}
		name := status.Service
		if name == "" {
			name = "(overall)"
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}
