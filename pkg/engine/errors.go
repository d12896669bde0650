package engine

import (
	"fmt"
	"sort"
	"strings"
)

// HealthCheckError is recorded when a deployed endpoint never became healthy.
type HealthCheckError struct {
	Service            string
	Endpoint           string
	Attempts           int
	Err                error
	FailedDependencies map[string]string
}

func (e *HealthCheckError) Error() string {
	msg := fmt.Sprintf("health check of %s failed after %d attempts", e.Endpoint, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.FailedDependencies) == 0 {
		return msg
	}

	names := make([]string, 0, len(e.FailedDependencies))
	for name := range e.FailedDependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := make([]string, len(names))
	for i, name := range names {
		failed[i] = fmt.Sprintf("%s (%s)", name, e.FailedDependencies[name])
	}
	return msg + "; failed dependencies: " + strings.Join(failed, ", ")
}

func (e *HealthCheckError) Unwrap() error {
	return e.Err
}
