// Package fault classifies the errors produced while talking to an instrument
// or decoding waveform files.
//
// Every error that leaves this module is either a *fault.Error or wraps one, so
// callers can branch on the Kind without string matching:
//
//	_, err := scope.Capture(1)
//	if fault.Is(err, fault.Timeout) {
//		// decide whether to re-trigger
//	}
package fault

import (
	"errors"
	"fmt"
	"net"
	"os"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the classification of an error
type Kind int

const (
	// Unknown is the zero value, returned by KindOf for unclassified errors
	Unknown Kind = iota

	// Format means malformed waveform file content
	Format

	// InvalidArgument means an out of range channel or parameter,
	// caught before any device interaction
	InvalidArgument

	// Transport means the connection was lost or the response was malformed
	Transport

	// Timeout means a command or operation-complete deadline was exceeded
	Timeout

	// State means an operation was attempted while the scope was busy
	State
)

func (k Kind) String() string {
	switch k {
	case Format:
		return "format error"
	case InvalidArgument:
		return "invalid argument"
	case Transport:
		return "transport error"
	case Timeout:
		return "timeout"
	case State:
		return "state error"
	default:
		return "unknown error"
	}
}

// Error is a classified error.  Op names the operation that failed,
// e.g. "capture" or "arb.Parse"
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error { return e.Err }

// Cause satisfies the github.com/pkg/errors causer interface
func (e *Error) Cause() error { return e.Err }

// E builds a classified error
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain,
// or Unknown if there is none
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify turns a raw I/O error into a Transport or Timeout error.
// Already classified errors and nil pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return err
	}
	if isTimeout(err) {
		return E(Timeout, op, err)
	}
	return E(Transport, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Transportf is shorthand for Errorf(Transport, ...)
func Transportf(op string, format string, args ...interface{}) error {
	return Errorf(Transport, op, format, args...)
}
