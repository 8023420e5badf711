package cmd

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitInvalidArgument    = 2
	ExitConfigInvalid      = 3
	ExitServiceUnavailable = 4
	ExitJobFailed          = 5
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

func exitCodeOf(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}
