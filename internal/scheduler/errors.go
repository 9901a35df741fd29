package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrClockUnavailable reports that no audio clock could be obtained.
	// It is fatal to Start and never retried by the scheduler.
	ErrClockUnavailable = errors.New("audio clock unavailable")
	ErrDestroyed        = errors.New("scheduler destroyed")
	ErrNotRunning       = errors.New("scheduler not running")
)

// ClockUnavailableError wraps the provider failure that prevented Start.
type ClockUnavailableError struct {
	Err error
}

func (e *ClockUnavailableError) Error() string {
	if e.Err == nil {
		return ErrClockUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrClockUnavailable, e.Err)
}

func (e *ClockUnavailableError) Is(target error) bool { return target == ErrClockUnavailable }
func (e *ClockUnavailableError) Unwrap() error        { return e.Err }

// InvalidParameterError is returned by setters for out-of-range input.
// The tempo state is left untouched when it is returned.
type InvalidParameterError struct {
	Param  string
	Value  any
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Param, e.Value, e.Reason)
}

// IsInvalidParameter reports whether err is (or wraps) an InvalidParameterError.
func IsInvalidParameter(err error) bool {
	var e *InvalidParameterError
	return errors.As(err, &e)
}

func invalid(param string, value any, format string, args ...any) error {
	return &InvalidParameterError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}
