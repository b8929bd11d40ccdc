package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeNotFound    Code = 14
	CodeConflict    Code = 15
	CodeSuperseded  Code = 16
	CodeRoute       Code = 17
	CodeApproval    Code = 18
	CodeExecution   Code = 19
	CodeSigner      Code = 20
)

var typeNames = map[Code]string{
	CodeUsage:       "usage_error",
	CodeAuth:        "auth_error",
	CodeRateLimited: "rate_limited",
	CodeUnavailable: "provider_unavailable",
	CodeUnsupported: "unsupported",
	CodeNotFound:    "not_found",
	CodeConflict:    "conflict",
	CodeSuperseded:  "superseded",
	CodeRoute:       "route_error",
	CodeApproval:    "approval_error",
	CodeExecution:   "execution_error",
	CodeSigner:      "signer_error",
}

// TypeName is the error "type" field of the output envelope.
func (c Code) TypeName() string {
	if name, ok := typeNames[c]; ok {
		return name
	}
	return "internal_error"
}

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) ErrorCode() Code { return e.Code }

// Coder is implemented by domain errors that map onto a stable code without
// being an *Error themselves.
type Coder interface {
	error
	ErrorCode() Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the first code found in the chain, preferring the outermost.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return CodeSuccess, true
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrorCode(), true
	}
	return CodeInternal, false
}

func ExitCode(err error) int {
	code, _ := CodeOf(err)
	return int(code)
}
