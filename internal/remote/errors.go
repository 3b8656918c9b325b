package remote

import (
	"errors"
	"fmt"

	"regwatch/pkg/platform/sentinel"
)

// Kind is the normalized failure taxonomy for remote calls.
type Kind string

const (
	// KindNetwork: no usable response (transport failure, 5xx, rate limited).
	KindNetwork Kind = "network"
	// KindProtocol: the response did not have the expected shape.
	KindProtocol Kind = "protocol"
	// KindAuth: the credential was missing, expired or rejected.
	KindAuth Kind = "auth"
	// KindValidation: the server rejected the input.
	KindValidation Kind = "validation"
	KindTimeout    Kind = "timeout"
	// KindCancelled: the caller lost interest. Never shown as a failure.
	KindCancelled Kind = "cancelled"
)

// Error wraps every failure returned by the client.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
	// Retryable reports whether repeating the same call may succeed.
	Retryable bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s [%s]: %s", e.Op, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets auth failures match sentinel.ErrUnauthenticated.
func (e *Error) Is(target error) bool {
	return e.Kind == KindAuth && target == sentinel.ErrUnauthenticated
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Err:       err,
		Retryable: kind == KindNetwork || kind == KindTimeout,
	}
}

// KindOf extracts the kind from err. Errors that did not come from the
// client report KindNetwork.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

func IsAuth(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindAuth
}

func IsCancelled(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindCancelled
}
