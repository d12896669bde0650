package cli_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nais/rollout/pkg/cli"
	"github.com/nais/rollout/pkg/registry"
)

func TestErrorExitCode(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code cli.ExitCode
	}{
		{err: nil, code: cli.ExitSuccess},
		{err: cli.Errorf(cli.ExitDeploymentFailure, "2 of 3 services failed"), code: cli.ExitDeploymentFailure},
		{err: fmt.Errorf("wrapped: %w", cli.Errorf(cli.ExitUnavailable, "no database")), code: cli.ExitUnavailable},
		{err: &registry.ValidationError{Service: "api", Reason: "tier must be positive"}, code: cli.ExitInvocationFailure},
		{err: fmt.Errorf("deploy: %w", context.DeadlineExceeded), code: cli.ExitTimeout},
		{err: assert.AnError, code: cli.ExitInternalError},
	} {
		assert.Equal(t, tc.code, cli.ErrorExitCode(tc.err), "%v", tc.err)
	}
}

func TestErrorWrapKeepsMessage(t *testing.T) {
	err := cli.ErrorWrap(cli.ExitTimeout, assert.AnError)
	assert.Equal(t, assert.AnError.Error(), err.Error())
	assert.ErrorIs(t, err, assert.AnError)
}
