package health

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var clientMetrics = grpc_prometheus.NewClientMetrics(
	grpc_prometheus.WithClientHandlingTimeHistogram(),
)

func init() {
	prometheus.MustRegister(clientMetrics)
}

// GRPCProber considers an endpoint live when the standard gRPC health service reports it
// as serving. Endpoints look like grpc://host:port, optionally with the service name as path.
type GRPCProber struct {
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

func NewGRPCProber(timeout time.Duration) *GRPCProber {
	return &GRPCProber{
		Timeout: timeout,
	}
}

func (p *GRPCProber) Probe(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(clientMetrics.UnaryClientInterceptor()),
	}
	dialOptions = append(dialOptions, p.DialOptions...)

	conn, err := grpc.NewClient(u.Host, dialOptions...)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	defer conn.Close()

	service := ""
	if len(u.Path) > 1 {
		service = u.Path[1:]
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Endpoint: endpoint, Timeout: timeout}
	}
	if err != nil {
		return fmt.Errorf("health check against %s: %w", endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check against %s: %s", endpoint, resp.GetStatus())
	}
	return nil
}
