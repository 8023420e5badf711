package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies agent failures in completion events.
type ErrorKind string

const (
	KindBootstrap       ErrorKind = "bootstrap"
	KindDownload        ErrorKind = "download"
	KindInstrumentation ErrorKind = "instrumentation"
	KindExecution       ErrorKind = "execution"
	KindPackaging       ErrorKind = "packaging"
	KindUpload          ErrorKind = "upload"
)

// StageError is the failure of one agent stage. Its message becomes the
// error text of the failed completion event.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrDigestMismatch reports a downloaded sample whose content does not hash to
// the expected digest.
var ErrDigestMismatch = errors.New("sample digest mismatch")

// KindOf returns the kind of a StageError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
