package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindInvalidParameters ErrorKind = "InvalidParameters"
	KindUnsupportedType   ErrorKind = "UnsupportedType"
	KindTimeout           ErrorKind = "Timeout"
	KindRunError          ErrorKind = "RunError"
	KindTransient         ErrorKind = "TransientInfraError"
	KindCancelled         ErrorKind = "Cancelled"
	KindScriptError       ErrorKind = "ScriptError"
)

// ExecutionError is the typed failure attached to a FAILURE record.
type ExecutionError struct {
	Kind     ErrorKind      `json:"kind"`
	Message  string         `json:"message"`
	ExitCode *int           `json:"exit_code,omitempty"`
	Stderr   string         `json:"stderr,omitempty"`
	Stdout   string         `json:"stdout,omitempty"`
	Details  map[string]any `json:"details,omitempty"`

	cause error
}

// NewExecutionError builds an ExecutionError with a formatted message.
func NewExecutionError(kind ErrorKind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapExecutionError attaches kind to cause.
func WrapExecutionError(kind ErrorKind, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: cause.Error(), cause: cause}
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("%s: %s (exit code %d)", e.Kind, e.Message, *e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.cause }

// stderrSnippetLen bounds the stderr tail quoted in Summary.
const stderrSnippetLen = 512

// Summary is Error followed by the tail of the captured stderr, which is
// where a crashed script leaves its traceback.
func (e *ExecutionError) Summary() string {
	msg := e.Error()
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return msg
	}
	if len(stderr) > stderrSnippetLen {
		stderr = "..." + stderr[len(stderr)-stderrSnippetLen:]
	}
	return msg + "\n" + stderr
}

// WithExitCode records the process exit code.
func (e *ExecutionError) WithExitCode(code int) *ExecutionError {
	e.ExitCode = &code
	return e
}

// KindOf returns the kind carried by err, or KindRunError for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindRunError
}

// AsExecutionError converts err into an ExecutionError, wrapping untyped
// errors as RunError.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return WrapExecutionError(KindRunError, err)
}
