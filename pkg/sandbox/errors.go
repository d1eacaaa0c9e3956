package sandbox

import (
	"fmt"
	"time"
)

// TimeoutError is returned when the overall execution deadline fires before
// the remote call settles. It is distinct from a remote-reported execution
// timeout, which classifies as a retryable failure instead.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// ResourceError wraps a classified remote failure that exhausted its retry
// budget and is surfaced to the caller.
type ResourceError struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

func (e *ResourceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sandbox operation failed (%s/%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("sandbox operation failed (%s): %s", e.Category, e.Message)
}

func (e *ResourceError) Unwrap() error {
	return e.Cause
}

// CircuitOpenError is returned when the circuit breaker refuses a call
// without contacting the remote service.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("sandbox service unavailable, circuit open for another %s", e.RetryAfter.Round(time.Second))
}
