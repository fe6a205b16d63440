package control

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/core-tools/hsu-oomguard/pkg/guardian"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// ControlMockLogger discards every log line
type ControlMockLogger struct{}

func (m *ControlMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ControlMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ControlMockLogger) Infof(format string, args ...interface{})                {}
func (m *ControlMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ControlMockLogger) Errorf(format string, args ...interface{})               {}

func startServer(t *testing.T) (*HealthHandler, *ClientGateway) {
	t.Helper()
	logger := &ControlMockLogger{}

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	handler := NewHealthHandler(logger)
	RegisterGRPCServerHandler(server, handler, logger)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return handler, NewGRPCClientGateway(conn, logger)
}

func TestHealth_FollowsMode(t *testing.T) {
	handler, gateway := startServer(t)
	ctx := context.Background()

	tests := []struct {
		name             string
		mode             guardian.Mode
		expectedPressure healthpb.HealthCheckResponse_ServingStatus
	}{
		{"idle", guardian.ModeIdle, healthpb.HealthCheckResponse_SERVING},
		{"relieving", guardian.ModeRelieving, healthpb.HealthCheckResponse_NOT_SERVING},
		{"back to idle", guardian.ModeIdle, healthpb.HealthCheckResponse_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler.ModeChanged(tt.mode)

			statuses, err := gateway.Status(ctx)
			require.NoError(t, err)
			require.Len(t, statuses, 2)

			assert.Equal(t, "", statuses[0].Service)
			assert.Equal(t, healthpb.HealthCheckResponse_SERVING, statuses[0].Response.GetStatus())
			assert.Equal(t, PressureService, statuses[1].Service)
			assert.Equal(t, tt.expectedPressure, statuses[1].Response.GetStatus())
		})
	}
}

func TestHealth_Shutdown(t *testing.T) {
	handler, gateway := startServer(t)
	handler.Shutdown()
	handler.ModeChanged(guardian.ModeIdle)

	response, err := gateway.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, response.GetStatus())
}

func TestGateway_UnknownService(t *testing.T) {
	_, gateway := startServer(t)
	_, err := gateway.Check(context.Background(), "nope")
	assert.Error(t, err)
}

func TestFormatStatus(t *testing.T) {
	out, err := FormatStatus([]ServiceStatus{
		{Service: "", Response: &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}},
		{Service: PressureService, Response: &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}},
	})
	require.NoError(t, err)

	// protojson output whitespace is unstable, so only tokens are checked
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "(overall): {"))
	assert.Contains(t, lines[0], `"SERVING"`)
	assert.True(t, strings.HasPrefix(lines[1], PressureService+": {"))
	assert.Contains(t, lines[1], `"NOT_SERVING"`)
}
