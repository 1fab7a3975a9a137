package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/petal-labs/rownumber/config"
	"github.com/petal-labs/rownumber/core"
)

// Exit codes
const (
	exitSuccess       = 0
	exitValidation    = 1
	exitRuntime       = 2
	exitFileNotFound  = 3
	exitPartitionFunc = 4
	exitOrdering      = 5
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// wrapExit classifies err into an ExitError with the given message prefix.
func wrapExit(prefix string, err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return &ExitError{
		Code:    exitCodeFor(err),
		Message: fmt.Sprintf("%s: %v", prefix, err),
		Err:     err,
	}
}

// exitCodeFor maps an error to the process exit code that reports it.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, core.ErrPartitionRange), errors.Is(err, config.ErrUnknownPartitioner):
		return exitPartitionFunc
	case errors.Is(err, core.ErrOrderViolation):
		return exitOrdering
	case errors.Is(err, os.ErrNotExist):
		return exitFileNotFound
	case errors.Is(err, core.ErrConfiguration):
		return exitValidation
	default:
		return exitRuntime
	}
}
