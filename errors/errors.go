// Package errors sorts every failure in the telemetry engine into one of
// three classes. Adapters keep their cadence on transient errors, drop the
// input on invalid ones and stop on fatal ones.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the handling class of an error.
type ErrorClass int

const (
	// ErrorTransient is a temporary failure; the caller keeps its cadence.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is bad input or configuration; the input is dropped.
	ErrorInvalid
	// ErrorFatal stops the component.
	ErrorFatal
)

var classNames = map[ErrorClass]string{
	ErrorTransient: "transient",
	ErrorInvalid:   "invalid",
	ErrorFatal:     "fatal",
}

func (ec ErrorClass) String() string {
	if name, ok := classNames[ec]; ok {
		return name
	}
	return "unknown"
}

// Sentinels shared across packages.
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrNoValue       = errors.New("no value in payload")

	ErrBackendRejected    = errors.New("backend rejected request")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrQueueFull   = errors.New("queue full")
	ErrRateLimited = errors.New("rate limited")
)

// sentinelClasses classifies bare sentinels that were never wrapped with a
// class. context errors count as transient.
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrInvalidData, ErrorInvalid},
	{ErrParsingFailed, ErrorInvalid},
	{ErrNoValue, ErrorInvalid},
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrStorageUnavailable, ErrorTransient},
	{ErrQueueFull, ErrorTransient},
	{ErrRateLimited, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{context.Canceled, ErrorTransient},
}

// transientHints match foreign network errors by message.
var transientHints = []string{"timeout", "connection", "network", "temporary", "unavailable", "refused"}

// ClassifiedError is an error tagged with its class and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// classOf reports err's class and whether it could be determined without
// falling back to message heuristics.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, known := classOf(err); known {
		return class == ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	class, known := classOf(err)
	return known && class == ErrorFatal
}

// IsInvalid reports whether err was caused by invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	class, known := classOf(err)
	return known && class == ErrorInvalid
}

// Classify returns err's class. Unknown errors are transient so that
// adapters keep retrying.
func Classify(err error) ErrorClass {
	class, _ := classOf(err)
	return class
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
