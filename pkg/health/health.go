// Package health decides whether a freshly deployed endpoint is live.
package health

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/metrics"
)

const (
	DefaultMaxDelay = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Prober makes a single liveness probe. A nil error means the endpoint is live.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("health probe against %s timed out after %s", e.Endpoint, e.Timeout)
}

type Result struct {
	Healthy   bool
	Attempts  int
	LastError error
}

type Checker struct {
	Prober   Prober
	MaxDelay time.Duration
}

func NewChecker(prober Prober, maxDelay time.Duration) *Checker {
	return &Checker{
		Prober:   prober,
		MaxDelay: maxDelay,
	}
}

func (c *Checker) backoff(initialDelay time.Duration) *backoff.ExponentialBackOff {
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Check probes endpoint up to maxAttempts times, waiting initialDelay before the second
// attempt and doubling the wait after each failure, up to MaxDelay.
//
// Calling Check without an endpoint, or with fewer than one attempt, is a programming
// error and panics.
func (c *Checker) Check(ctx context.Context, endpoint string, maxAttempts int, initialDelay time.Duration) Result {
	if endpoint == "" {
		panic("health check requires an endpoint")
	}
	if maxAttempts < 1 {
		panic(fmt.Sprintf("health check requires at least one attempt, got %d", maxAttempts))
	}

	logger := log.WithField("endpoint", endpoint)
	result := Result{}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff(initialDelay), uint64(maxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		result.Attempts++
		err := c.Prober.Probe(ctx, endpoint)
		metrics.HealthProbe(err == nil)
		if err != nil {
			result.LastError = err
		}
		return err
	}, policy, func(err error, next time.Duration) {
		logger.Debugf("health probe %d/%d failed, retrying in %s: %s", result.Attempts, maxAttempts, next, err)
	})

	if err == nil {
		result.Healthy = true
		result.LastError = nil
		return result
	}

	if result.LastError == nil {
		result.LastError = err
	}
	logger.Warnf("endpoint unhealthy after %d attempts: %s", result.Attempts, result.LastError)
	return result
}

// MultiProber probes grpc:// endpoints with the gRPC health protocol, and everything else
// over HTTP.
type MultiProber struct {
	HTTP Prober
	GRPC Prober
}

func (m *MultiProber) Probe(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "grpc" {
		return m.GRPC.Probe(ctx, endpoint)
	}
	return m.HTTP.Probe(ctx, endpoint)
}
