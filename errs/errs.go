// Package errs defines the closed set of error kinds propagated across
// the codec, EPMD client, handshake, connection, and node layers.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the seven error taxonomy entries. It is never extended
// at runtime; callers switch on it exhaustively.
type Kind int

const (
	// Decode is an external term format violation on input.
	Decode Kind = iota
	// Range is an integer term out of the target domain.
	Range
	// IO is a socket I/O failure or EOF before expected bytes.
	IO
	// Auth is a bad cookie, digest mismatch, or handshake status != ok.
	Auth
	// ExitSignal is a peer-originated {EXIT, reason} reaching a mailbox.
	ExitSignal
	// NotConnected is a send attempted on a closed connection.
	NotConnected
	// Timeout is a blocking receive or ping deadline passed.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Decode:
		return "decode-error"
	case Range:
		return "range-error"
	case IO:
		return "io-error"
	case Auth:
		return "auth-error"
	case ExitSignal:
		return "exit-signal"
	case NotConnected:
		return "not-connected"
	case Timeout:
		return "timeout"
	default:
		return "unknown-error"
	}
}

// kindError pairs a Kind with a wrapped cause so errors.Cause(err) keeps
// working while errs.KindOf(err) recovers the taxonomy entry.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *kindError) Cause() error { return e.cause }
func (e *kindError) Unwrap() error { return e.cause }

// New builds a Kind error from a format string, with a stack trace
// attached via pkg/errors.
func New(k Kind, format string, args ...interface{}) error {
	return &kindError{kind: k, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving its stack via
// pkg/errors.Wrap.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: k, cause: errors.Wrap(err, msg)}
}

// KindOf walks err's Unwrap/Cause chain looking for the taxonomy Kind it
// was tagged with. ok is false for errors never passed through New/Wrap.
func KindOf(err error) (k Kind, ok bool) {
	for err != nil {
		if ke, is := err.(*kindError); is {
			return ke.kind, true
		}
		type causer interface{ Cause() error }
		if c, is := err.(causer); is {
			err = c.Cause()
			continue
		}
		type unwrapper interface{ Unwrap() error }
		if u, is := err.(unwrapper); is {
			err = u.Unwrap()
			continue
		}
		break
	}
	return 0, false
}

// Is reports whether err is tagged with Kind k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
