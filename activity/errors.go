package activity

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of a protocol error
type ErrorKind int

const (
	// KindHandshake means a connection never established. Connect-type
	// operations surface it once; the protocol never retries.
	KindHandshake ErrorKind = iota

	// KindSend means a host could not deliver its result because the
	// destination context is gone.
	KindSend

	// KindDisconnected means an operation that needs a live channel ran
	// before connect or after teardown.
	KindDisconnected

	// KindInvalidTarget means an open target other than "_blank", "_top" or
	// a plain window name.
	KindInvalidTarget

	// KindMalformedRequest means a request failed structural validation.
	KindMalformedRequest

	// KindArgsSchema means activity args were rejected by the host's
	// declared schema.
	KindArgsSchema
)

// Error represents failures from activity protocol operations
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHandshake:
		return fmt.Sprintf("handshake failed: %s", e.Message)
	case KindSend:
		return fmt.Sprintf("result delivery failed: %s", e.Message)
	case KindDisconnected:
		return fmt.Sprintf("channel is not connected: %s", e.Message)
	case KindInvalidTarget:
		return fmt.Sprintf("invalid open target: %s", e.Message)
	case KindMalformedRequest:
		return fmt.Sprintf("malformed request: %s", e.Message)
	case KindArgsSchema:
		return fmt.Sprintf("args rejected by schema: %s", e.Message)
	default:
		return fmt.Sprintf("activity error: %s", e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewHandshakeError creates an error for a connection that never
// established.
func NewHandshakeError(message string, cause error) *Error {
	return &Error{Kind: KindHandshake, Message: message, Err: cause}
}

// NewSendError creates an error for a result that could not be delivered.
func NewSendError(message string, cause error) *Error {
	return &Error{Kind: KindSend, Message: message, Err: cause}
}

// NewDisconnectedError creates an error for an operation on a dead channel.
func NewDisconnectedError(message string) *Error {
	return &Error{Kind: KindDisconnected, Message: message}
}

// NewInvalidTargetError creates an error for an unsupported open target.
func NewInvalidTargetError(target string) *Error {
	return &Error{Kind: KindInvalidTarget, Message: fmt.Sprintf("%q", target)}
}

// KindOf extracts the protocol error kind from err, unwrapping as needed.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given protocol error kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
