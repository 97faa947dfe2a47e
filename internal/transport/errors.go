package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code classifies a delivery failure below the protocol layer.
type Code int

const (
	CodeDial Code = iota + 1
	CodeTimeout
	CodeFraming
	CodeStatus
	CodeUnknownDC
	CodeClosed
)

func (c Code) String() string {
	switch c {
	case CodeDial:
		return "dial"
	case CodeTimeout:
		return "timeout"
	case CodeFraming:
		return "framing"
	case CodeStatus:
		return "status"
	case CodeUnknownDC:
		return "unknown_dc"
	case CodeClosed:
		return "closed"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error: transport failure with code, DC status (CodeStatus only) and message.
type Error struct {
	Code   Code
	DC     int
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Code == CodeStatus {
		return fmt.Sprintf("transport: dc %d: %s %d: %s", e.DC, e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("transport: dc %d: %s: %s", e.DC, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout true for CodeTimeout errors.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == CodeTimeout
}

// classify maps an I/O error to a transport Error; deadline errors become CodeTimeout.
func classify(dc int, code Code, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, DC: dc, Msg: err.Error(), Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Code: CodeTimeout, DC: dc, Msg: err.Error(), Err: err}
	}
	return &Error{Code: code, DC: dc, Msg: err.Error(), Err: err}
}

func unknownDC(dc int) *Error {
	return &Error{Code: CodeUnknownDC, DC: dc, Msg: "no address configured"}
}
