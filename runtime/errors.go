package runtime

import (
	"errors"
	"fmt"
)

// ErrorType classifies error severity and retry behavior.
type ErrorType string

const (
	// ErrorTypeTransient signals the operation can be retried.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent signals the operation should not be retried.
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeTimeout signals the operation was cancelled by a deadline.
	ErrorTypeTimeout ErrorType = "timeout"
)

// ErrorCode identifies known engine error codes.
type ErrorCode string

const (
	ErrorCodeConfigAbsent     ErrorCode = "CONFIG_ABSENT"
	ErrorCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrorCodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	ErrorCodeLoopSelector     ErrorCode = "LOOP_SELECTOR_INVALID"
	ErrorCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrorCodeBadInput         ErrorCode = "BAD_INPUT"
	ErrorCodeConnection       ErrorCode = "CONNECTION_FAILED"
)

// StatusCoder lets backend errors expose a best-effort status code.
type StatusCoder interface {
	StatusCode() int
}

// StepError is the canonical error propagated out of the engine. Config
// carries the configuration of the last attempt when one was made, so
// healing progress survives even a raised failure.
type StepError struct {
	Type    ErrorType
	Code    ErrorCode
	Message string
	Step    string
	Status  int
	Retries int
	Config  StepConfig
	Cause   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("[%s/%s] %s (step: %s, retries: %d)", e.Type, e.Code, e.Message, e.Step, e.Retries)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// StatusCode implements StatusCoder. Defaults to 500 when unset.
func (e *StepError) StatusCode() int {
	if e.Status == 0 {
		return 500
	}
	return e.Status
}

// StatusOf extracts a status code from an error chain, defaulting to 500.
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 500
}
