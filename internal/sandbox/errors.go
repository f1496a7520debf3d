package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for sandbox failures.
var (
	ErrTimeout  = errors.New("execution timed out")
	ErrResource = errors.New("resource limit exceeded")
	ErrConfig   = errors.New("invalid sandbox configuration")
	ErrClosed   = errors.New("sandbox closed")
)

// Error is returned by New and by Execute on misuse. It carries the
// configuration in effect.
type Error struct {
	Kind   error // one of the sentinels above
	Config Config
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "sandbox: " + e.Kind.Error()
	}
	return fmt.Sprintf("sandbox: %v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKind classifies a failed execution inside a Result.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindResource     ErrorKind = "resource"
	KindExecution    ErrorKind = "execution"
	KindDecode       ErrorKind = "decode"
	KindPreparation  ErrorKind = "preparation"
	KindFileNotFound ErrorKind = "file_not_found"
	KindSecurity     ErrorKind = "security"
)

// ExecError describes why an execution did not succeed.
type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Type is the error type reported by the child, e.g. "ZeroDivisionError".
	Type string `json:"type,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is match timeout and resource failures against
// ErrTimeout and ErrResource.
func (e *ExecError) Unwrap() error {
	switch e.Kind {
	case KindTimeout:
		return ErrTimeout
	case KindResource:
		return ErrResource
	default:
		return nil
	}
}
