package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound               = errors.New("not found")
	ErrStaleLease             = errors.New("stale lease: item is no longer held by this worker")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrBatchComplete          = errors.New("batch is already complete")

	// ErrValidation is the root of every producer-input rejection.
	ErrValidation = errors.New("validation error")

	ErrInvalidChannel       = fmt.Errorf("%w: channel must be email, sms, push, or in_app", ErrValidation)
	ErrInvalidPriority      = fmt.Errorf("%w: priority must be low, medium, high, or urgent", ErrValidation)
	ErrInvalidPayloadRef    = fmt.Errorf("%w: payload_ref must not be empty", ErrValidation)
	ErrScheduleTooOld       = fmt.Errorf("%w: scheduled_for is too far in the past", ErrValidation)
	ErrInvalidMaxRetries    = fmt.Errorf("%w: max_retries must not be negative", ErrValidation)
	ErrInvalidBatchSize     = fmt.Errorf("%w: total_count must be positive", ErrValidation)
	ErrBatchChannelMismatch = fmt.Errorf("%w: item channel differs from batch channel", ErrValidation)
	ErrBatchClosed          = fmt.Errorf("%w: batch no longer accepts items", ErrValidation)
	ErrInvalidClaimLimit    = fmt.Errorf("%w: claim limit exceeds maximum", ErrValidation)
	ErrMissingWorkerID      = fmt.Errorf("%w: worker_id must not be empty", ErrValidation)
)

// DeliveryError is returned by channel adapters to classify a failed send.
type DeliveryError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	return &DeliveryError{Kind: ErrorKindTransient, Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return &DeliveryError{Kind: ErrorKindPermanent, Err: err}
}

// ClassifyError returns the delivery kind of err. Errors that are not a
// DeliveryError are treated as transient.
func ClassifyError(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == ErrorKindPermanent {
		return ErrorKindPermanent
	}
	return ErrorKindTransient
}
