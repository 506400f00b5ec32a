package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when an optimistic status update finds
	// the stored status no longer matches the expected one
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCircuitOpen is returned when the circuit breaker short-circuits
	// execution for a resource key
	ErrCircuitOpen = errors.New("circuit breaker open for resource")

	// ErrRetriesExhausted is returned when a job has spent its retry budget
	ErrRetriesExhausted = errors.New("retry budget exhausted")

	// ErrJobCancelled is returned when a job was cancelled by an external actor
	ErrJobCancelled = errors.New("job cancelled")

	// ErrUnsupportedContent is returned for content types with no stage plan
	ErrUnsupportedContent = errors.New("unsupported content type")

	// ErrInvalidPayload is returned when a queue message body is malformed
	ErrInvalidPayload = errors.New("invalid message payload")
)

// ValidationError wraps failures that can never succeed on redelivery
// (corrupt file, unsupported format, malformed payload). The worker acks
// the message and marks the job failed without retrying.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps err as a non-retryable failure
func NewValidationError(err error) error {
	return &ValidationError{Err: err}
}

// TransientError wraps failures that may succeed on redelivery (network
// timeout, rate limit, downstream 5xx)
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable failure
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsRetryable reports whether err should be redelivered. Unknown errors
// are treated as transient: under at-least-once delivery the safe default
// is to retry and let the retry budget bound the damage.
func IsRetryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return true
}
