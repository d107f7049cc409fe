package probe

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

type ErrorType string

const (
	ErrorTypeUnavailable   ErrorType = "tool_unavailable"
	ErrorTypeOutputInvalid ErrorType = "output_invalid"
	ErrorTypeMeasurement   ErrorType = "measurement_failed"
	ErrorTypeValidation    ErrorType = "validation_error"
	ErrorTypeTimeout       ErrorType = "timeout_error"
)

// ProbeError carries the failure taxonomy for probe-tool invocations. The
// orchestrator absorbs most of these into the measurement record instead of
// failing the whole measurement.
type ProbeError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error

	context   map[string]any
	contextMu sync.RWMutex
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed in %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed in %s: %s", e.Type, e.Operation, e.Message)
}

func (e *ProbeError) Unwrap() error {
	return e.Cause
}

func NewError(errType ErrorType, operation, message string, cause error) *ProbeError {
	return &ProbeError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		context:   make(map[string]any),
	}
}

func (e *ProbeError) GetContextMap() map[string]any {
	e.contextMu.RLock()
	defer e.contextMu.RUnlock()

	return maps.Clone(e.context)
}

func (e *ProbeError) WithContext(key string, value any) *ProbeError {
	e.contextMu.RLock()
	cloned := maps.Clone(e.context)
	e.contextMu.RUnlock()

	if cloned == nil {
		cloned = make(map[string]any)
	}
	cloned[key] = value
	return &ProbeError{
		Type:      e.Type,
		Operation: e.Operation,
		Message:   e.Message,
		Cause:     e.Cause,
		context:   cloned,
	}
}

func NewUnavailableError(operation, message string, cause error) *ProbeError {
	return NewError(ErrorTypeUnavailable, operation, message, cause)
}

func NewOutputInvalidError(operation, message string, cause error) *ProbeError {
	return NewError(ErrorTypeOutputInvalid, operation, message, cause)
}

func NewMeasurementError(operation, message string, cause error) *ProbeError {
	return NewError(ErrorTypeMeasurement, operation, message, cause)
}

func NewValidationError(operation, message string, cause error) *ProbeError {
	return NewError(ErrorTypeValidation, operation, message, cause)
}

func isType(err error, t ErrorType) bool {
	var pe *ProbeError
	return errors.As(err, &pe) && pe.Type == t
}

// IsUnavailable reports whether the probe binary could not be invoked at
// all.
func IsUnavailable(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsOutputInvalid reports whether the tool ran but its output could not be
// parsed.
func IsOutputInvalid(err error) bool { return isType(err, ErrorTypeOutputInvalid) }

// IsMeasurementFailed reports whether the tool ran and reported a
// non-success return code.
func IsMeasurementFailed(err error) bool { return isType(err, ErrorTypeMeasurement) }
