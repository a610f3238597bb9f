package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startBuf(t *testing.T, s *Server) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestRefreshFlipsStatus(t *testing.T) {
	var healthy atomic.Bool
	s := NewServer(map[string]Check{
		"db": func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("database is locked")
		},
	}, time.Second, nil)
	dialer := startBuf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := Probe(ctx, "passthrough:///bufnet", ServiceName, dialer)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	assert.False(t, s.Refresh(ctx))
	healthy.Store(true)
	assert.True(t, s.Refresh(ctx))
	assert.True(t, s.Serving())

	status, err = Probe(ctx, "passthrough:///bufnet", "", dialer)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestProbeUnknownService(t *testing.T) {
	s := NewServer(nil, time.Second, nil)
	dialer := startBuf(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Probe(ctx, "passthrough:///bufnet", "other.Service", dialer)
	assert.Error(t, err)
}
