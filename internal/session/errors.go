package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDC        = errors.New("session: dc id out of range")
	ErrNotAuthenticated = errors.New("session: dc not authenticated")
	ErrAuthFailed       = errors.New("session: authentication failed")
	ErrNegativeAck      = errors.New("session: negative acknowledgement")
	ErrNoStore          = errors.New("session: no store bound")
	ErrNoTransport      = errors.New("session: no transport bound")
)

// AuthError: handshake or credential persistence failed for DC.
// Matches ErrAuthFailed and the underlying cause.
type AuthError struct {
	DC  int
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session: auth dc %d: %v", e.DC, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthFailed, e.Err} }

// NackError: a negative acknowledgement that could not be recovered, either
// because its retry was already spent or because the notification is not
// recoverable.
type NackError struct {
	DC        int
	Predicate string
	Code      int
	Retried   bool
}

func (e *NackError) Error() string {
	s := fmt.Sprintf("session: dc %d: %s", e.DC, e.Predicate)
	if e.Code != 0 {
		s += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Retried {
		s += " after retry"
	}
	return s
}

func (e *NackError) Is(target error) bool { return target == ErrNegativeAck }

// FaultKind: where a swallowed dispatch fault came from.
type FaultKind string

const (
	FaultTransport FaultKind = "transport"
	FaultCodec     FaultKind = "codec"
	FaultPanic     FaultKind = "panic"
)

// Fault: transport or codec failure reported through an empty Outcome.
type Fault struct {
	Kind FaultKind
	DC   int
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("session: %s fault dc %d: %v", f.Kind, f.DC, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
