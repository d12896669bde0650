package health_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nais/rollout/pkg/health"
)

const endpoint = "http://api.default.svc.cluster.local:8080"

var errRefused = errors.New("connection refused")

func TestCheckHealthyOnFirstAttempt(t *testing.T) {
	prober := health.NewMockProber(t)
	prober.On("Probe", mock.Anything, endpoint).Return(nil).Once()

	result := health.NewChecker(prober, time.Second).Check(context.Background(), endpoint, 3, time.Millisecond)

	assert.True(t, result.Healthy)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.LastError)
}

func TestCheckHealthyAfterRetries(t *testing.T) {
	prober := health.NewMockProber(t)
	prober.On("Probe", mock.Anything, endpoint).Return(errRefused).Twice()
	prober.On("Probe", mock.Anything, endpoint).Return(nil).Once()

	result := health.NewChecker(prober, time.Second).Check(context.Background(), endpoint, 5, time.Millisecond)

	assert.True(t, result.Healthy)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.LastError)
}

func TestCheckUnhealthyAfterMaxAttempts(t *testing.T) {
	prober := health.NewMockProber(t)
	prober.On("Probe", mock.Anything, endpoint).Return(errRefused).Times(4)

	result := health.NewChecker(prober, time.Second).Check(context.Background(), endpoint, 4, time.Millisecond)

	assert.False(t, result.Healthy)
	assert.Equal(t, 4, result.Attempts)
	assert.ErrorIs(t, result.LastError, errRefused)
}

func TestCheckBackoffDoublesUpToMaxDelay(t *testing.T) {
	prober := health.NewMockProber(t)
	prober.On("Probe", mock.Anything, endpoint).Return(errRefused).Times(4)

	start := time.Now()
	result := health.NewChecker(prober, 20*time.Millisecond).Check(context.Background(), endpoint, 4, 10*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, result.Healthy)
	// 10ms, 20ms, then capped at 20ms
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCheckStopsWhenContextIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := health.NewMockProber(t)
	prober.On("Probe", mock.Anything, endpoint).Return(errRefused).Run(func(mock.Arguments) {
		cancel()
	}).Once()

	result := health.NewChecker(prober, time.Minute).Check(ctx, endpoint, 10, time.Minute)

	assert.False(t, result.Healthy)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, errRefused)
}

func TestCheckPanicsOnProgrammingErrors(t *testing.T) {
	checker := health.NewChecker(health.NewMockProber(t), time.Second)

	assert.Panics(t, func() {
		checker.Check(context.Background(), "", 3, time.Millisecond)
	})
	assert.Panics(t, func() {
		checker.Check(context.Background(), endpoint, 0, time.Millisecond)
	})
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	prober := health.NewHTTPProber(50 * time.Millisecond)
	ctx := context.Background()

	assert.NoError(t, prober.Probe(ctx, server.URL+"/healthz"))
	assert.ErrorContains(t, prober.Probe(ctx, server.URL+"/broken"), "503")

	var timeoutErr *health.TimeoutError
	err := prober.Probe(ctx, server.URL+"/slow")
	require.True(t, errors.As(err, &timeoutErr), "expected timeout, got %v", err)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestGRPCProber(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("payments", healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	go srv.Serve(listener)
	defer srv.Stop()

	prober := health.NewGRPCProber(time.Second)
	ctx := context.Background()
	base := "grpc://" + listener.Addr().String()

	assert.NoError(t, prober.Probe(ctx, base))
	assert.ErrorContains(t, prober.Probe(ctx, base+"/payments"), "NOT_SERVING")
	assert.Error(t, prober.Probe(ctx, base+"/unknown"))
}

func TestMultiProber(t *testing.T) {
	httpProber := health.NewMockProber(t)
	grpcProber := health.NewMockProber(t)
	prober := &health.MultiProber{HTTP: httpProber, GRPC: grpcProber}

	httpProber.On("Probe", mock.Anything, "http://api:8080/healthz").Return(nil).Once()
	grpcProber.On("Probe", mock.Anything, "grpc://db-proxy:5432").Return(errRefused).Once()

	ctx := context.Background()
	assert.NoError(t, prober.Probe(ctx, "http://api:8080/healthz"))
	assert.ErrorIs(t, prober.Probe(ctx, "grpc://db-proxy:5432"), errRefused)
}
