// Package executor places published artifacts on a runtime platform and moves traffic
// between revisions.
package executor

import (
	"context"
	"fmt"

	"github.com/nais/rollout/pkg/pipeline"
	"github.com/nais/rollout/pkg/registry"
)

type Options struct {
	Region       string
	Dependencies map[string]string
}

type Executor interface {
	// Deploy starts the published artifact and returns the endpoint it serves on.
	Deploy(ctx context.Context, svc registry.Service, published pipeline.Published, opts Options) (string, error)

	// RollbackTo routes the service's traffic back to a previously deployed endpoint.
	RollbackTo(ctx context.Context, svc registry.Service, previousEndpoint string) error
}

type DeployError struct {
	Service string
	Err     error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s: %s", e.Service, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}
