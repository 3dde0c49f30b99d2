package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("vehiclerelay: event service is required")
	ErrHandlerRequired      = sterrors.New("vehiclerelay: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("vehiclerelay: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("vehiclerelay: handler name is required")
	ErrPublisherRequired    = sterrors.New("vehiclerelay: publisher is required")
	ErrStoreRequired        = sterrors.New("vehiclerelay: store is required")
	ErrTopicRequired        = sterrors.New("vehiclerelay: topic is required")
	ErrConfigRequired       = sterrors.New("vehiclerelay: configuration is required")
	ErrLoggerRequired       = sterrors.New("vehiclerelay: logger is required")
	ErrEventRequired        = sterrors.New("vehiclerelay: event is required")
	ErrEventNotFound        = sterrors.New("vehiclerelay: event not found")
	ErrInvalidTransition    = sterrors.New("vehiclerelay: invalid state transition")
	ErrParked               = sterrors.New("vehiclerelay: publish retry budget exhausted")
)

// TransientIOError marks a broker or store call that failed or timed out.
// Callers retry these; they never reach the operator beyond logs and metrics.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientIOError. A nil err stays nil.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// MalformedPayloadError reports a payload that can never be decoded.
// Fan-out pipelines route these straight to their dead-letter topic.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return "unprocessable event: " + e.Payload + " error: " + e.Err.Error()
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// DuplicateEventError is returned by processed-record stores when the
// (event, pipeline) pair was already recorded.
type DuplicateEventError struct {
	EventID  string
	Pipeline string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already processed by pipeline %s", e.EventID, e.Pipeline)
}

// FatalConfigError wraps configuration problems that prevent start-up.
type FatalConfigError struct {
	Err error
}

func (e FatalConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e FatalConfigError) Unwrap() error { return e.Err }

// NewFatalConfigError wraps err, returning nil when err is nil.
func NewFatalConfigError(err error) error {
	if err == nil {
		return nil
	}
	return FatalConfigError{Err: err}
}

func IsTransient(err error) bool {
	var target *TransientIOError
	return sterrors.As(err, &target)
}

func IsMalformed(err error) bool {
	var target *MalformedPayloadError
	return sterrors.As(err, &target)
}

func IsDuplicate(err error) bool {
	var target *DuplicateEventError
	return sterrors.As(err, &target)
}
