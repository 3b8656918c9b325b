package querycache

import (
	"context"
	"errors"
)

// ErrorClass tells the engine how to treat a fetch or mutation failure.
type ErrorClass int

const (
	// ClassTransient failures are retried and then stored on the entry.
	ClassTransient ErrorClass = iota
	// ClassPermanent failures are stored on the entry without retrying.
	ClassPermanent
	// ClassAuth failures are never stored; they trigger the auth failure handler.
	ClassAuth
	// ClassCancelled failures are dropped silently.
	ClassCancelled
	// ClassValidation failures are rejections of the request itself. They
	// go back to the caller and leave the entry as it was.
	ClassValidation
)

// Classifier maps an error to its class. The engine's default only knows
// about context errors; callers install one that understands their transport.
type Classifier func(error) ErrorClass

// DefaultClassifier treats cancellation as cancelled, everything else as transient.
func DefaultClassifier(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassTransient
}
