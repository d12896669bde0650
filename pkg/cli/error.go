package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/nais/rollout/pkg/registry"
)

type ExitCode int

// Keep separate to avoid skewing exit codes
const (
	ExitSuccess ExitCode = iota
	ExitDeploymentFailure
	ExitInvocationFailure
	ExitInternalError
	ExitTimeout
	ExitUnavailable
)

type Error struct {
	Code ExitCode
	Err  error
}

func (err *Error) Error() string {
	return err.Err.Error()
}

func (err *Error) Unwrap() error {
	return err.Err
}

func Errorf(exitCode ExitCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: exitCode,
		Err:  fmt.Errorf(format, args...),
	}
}

func ErrorWrap(exitCode ExitCode, err error) *Error {
	return &Error{
		Code: exitCode,
		Err:  err,
	}
}

// ErrorExitCode returns the exit code for err. Errors that do not carry one are classified
// by what they wrap.
func ErrorExitCode(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	var validationErr *registry.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return ExitInvocationFailure
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	default:
		return ExitInternalError
	}
}
