package expression

import (
	"errors"
	"fmt"
)

// Kind classifies a failure raised while validating, compiling or evaluating
// a tenant script. Kinds are string based so they serialize naturally into
// audit rows and API responses.
type Kind string

const (
	// KindSecurityViolation means the sandbox boundary was breached. Always
	// fatal, never retried.
	KindSecurityViolation Kind = "SECURITY_VIOLATION"

	// KindSyntax means the script could not be parsed.
	KindSyntax Kind = "SYNTAX_ERROR"

	// KindEvaluation is a runtime failure inside an otherwise valid script.
	KindEvaluation Kind = "EVALUATION_ERROR"

	// KindCoercion means the result could not be converted to the declared type.
	KindCoercion Kind = "COERCION_ERROR"

	// KindTimeout means evaluation exceeded its time or cost bound.
	KindTimeout Kind = "TIMEOUT"

	// KindConfiguration is a static misconfiguration caught at validation time.
	KindConfiguration Kind = "CONFIGURATION_ERROR"
)

// Sentinels usable with errors.Is.
var (
	ErrSecurityViolation = &Error{Kind: KindSecurityViolation}
	ErrSyntax            = &Error{Kind: KindSyntax}
	ErrEvaluation        = &Error{Kind: KindEvaluation}
	ErrCoercion          = &Error{Kind: KindCoercion}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
)

// Error is the single error type surfaced by the expression engine and the
// components built on top of it.
type Error struct {
	// Kind classifies the failure
	Kind Kind

	// Op names the operation that failed (e.g. "evaluate", "compile")
	Op string

	// Message describes the failure
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. Sentinels carry
// only a kind, so errors.Is(err, ErrTimeout) matches any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error.
func NewError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Configurationf builds a KindConfiguration error.
func Configurationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain. Errors that did
// not originate in the engine are reported as evaluation errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEvaluation
}

// IsFatal reports whether err must stop processing regardless of any
// configured error handling strategy.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindSecurityViolation, KindConfiguration:
		return true
	}
	return false
}

// IsRetryable reports whether a retry could plausibly succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindEvaluation, KindTimeout, KindCoercion:
		return true
	}
	return false
}
