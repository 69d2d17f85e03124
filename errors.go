package beam

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/beam/wire"
)

// ErrSessionClosed is reported by every invocation attempted after the
// session started closing.
var ErrSessionClosed = errors.New("session is closed")

// NoSuchObjectError is reported when the peer cannot find a skeleton for
// the identifier, or when a stub was disposed locally.
type NoSuchObjectError struct {
	ID wire.Identifier
}

func (e *NoSuchObjectError) Error() string {
	return fmt.Sprintf("no such object: %s", e.ID)
}

// NoSuchMethodError is reported when the peer cannot dispatch a selector,
// usually because the interface versions differ.
type NoSuchMethodError struct {
	Type     string
	Selector uint32
}

func (e *NoSuchMethodError) Error() string {
	return fmt.Sprintf("no such method: %s selector %d", e.Type, e.Selector)
}

// TimeoutError is reported when the scheduled cancellation fired before the
// response arrived.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote call %s timed out after %s", e.Method, e.Timeout)
}

// Timeout reports true, so the error matches net-style timeout checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

// CallError wraps every non-declared failure of a remote call: transport
// breakage, marshalling errors, session shutdown. The original failure is
// the cause.
type CallError struct {
	Method string
	cause  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote call %s failed: %s", e.Method, e.cause)
}

func (e *CallError) Unwrap() error {
	return e.cause
}

func newCallError(method string, cause error) *CallError {
	return &CallError{Method: method, cause: cause}
}
