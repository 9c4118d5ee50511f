package routemanager

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned by RouteListener.Listen after the listener
// has been shut down.
var ErrInterrupted = errors.New("route listener interrupted")

// ErrorKind groups operation failures by their origin.
type ErrorKind uint8

const (
	// KindValidation marks a route rejected before reaching the kernel.
	KindValidation ErrorKind = iota + 1
	// KindSystemCall marks a failure reported by the operating system.
	KindSystemCall
	// KindProtocol marks a malformed or unexpected kernel message.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSystemCall:
		return "system call"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// OpError wraps a failure of a routing-table operation with the operation
// name and the failure's origin.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("route %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}
