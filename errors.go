package punchagent

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies why a cycle failed.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConfiguration ErrorKind = "configuration"
	KindConnection    ErrorKind = "connection"
	KindExtraction    ErrorKind = "extraction"
	KindDelivery      ErrorKind = "delivery"
	KindUnexpected    ErrorKind = "unexpected"
)

var (
	// ErrAlreadyRunning rejects a second worker while one is alive.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrCycleInProgress rejects a manual cycle while another holds the terminal.
	ErrCycleInProgress = errors.New("a sync cycle is already in progress")
)

// CycleError carries the kind of a failed cycle together with its cause.
type CycleError struct {
	Kind ErrorKind
	Err  error
}

func (e *CycleError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return string(e.Kind) + " error: " + e.Err.Error()
}

func (e *CycleError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first CycleError in err's chain.
func KindOf(err error) ErrorKind {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if err != nil {
		return KindUnexpected
	}
	return KindNone
}
