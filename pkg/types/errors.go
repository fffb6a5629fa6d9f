package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and propagation decisions.
type ErrorKind int

const (
	KindUnknown    ErrorKind = iota
	KindValidation           // bad input, rejected before a job exists
	KindTransient            // retryable: network blip, temporary unavailability
	KindPermanent            // non-retryable: corrupt or unsupported input
	KindTimeout              // stage exceeded its budget; retryable until exhausted
	KindConnection           // transport-level, absorbed by the delivery layer
	KindProtocol             // malformed message, dropped and logged
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	}
	return "unknown"
}

// ClassifiedError wraps a cause with an ErrorKind so the pipeline and
// delivery layers can make retry decisions without inspecting messages.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with the given kind. A nil err yields nil.
func Classified(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Transient marks err as retryable.
func Transient(err error) error { return Classified(KindTransient, err) }

// Permanent marks err as non-retryable.
func Permanent(err error) error { return Classified(KindPermanent, err) }

// KindOf extracts the classification of err, walking the wrap chain.
// Unwrapped errors report KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether err should drive a stage retry. Timeouts are
// treated as transient until retries are exhausted.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}
