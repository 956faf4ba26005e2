package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies request-scoped failures.
type ErrorKind string

const (
	KindUnsupportedLanguage  ErrorKind = "unsupported_language"
	KindMissingField         ErrorKind = "missing_field"
	KindMalformedInput       ErrorKind = "malformed_input"
	KindCompile              ErrorKind = "compile_error"
	KindTimeout              ErrorKind = "timeout"
	KindDependencyResolution ErrorKind = "dependency_resolution"
	KindResource             ErrorKind = "resource"
	KindInternal             ErrorKind = "internal"
)

// Error is the error type returned by every pipeline stage.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kind sentinel (an *Error with an empty message) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrUnsupportedLanguage  = &Error{Kind: KindUnsupportedLanguage}
	ErrMissingField         = &Error{Kind: KindMissingField}
	ErrMalformedInput       = &Error{Kind: KindMalformedInput}
	ErrCompile              = &Error{Kind: KindCompile}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrDependencyResolution = &Error{Kind: KindDependencyResolution}
	ErrResource             = &Error{Kind: KindResource}
)

// KindOf returns the kind of err, or KindInternal for errors raised outside the pipeline.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func unsupportedLanguageError(lang string) error {
	return &Error{Kind: KindUnsupportedLanguage, Msg: fmt.Sprintf("Language '%s' not supported", lang)}
}

func missingFieldError(field string) error {
	return &Error{Kind: KindMissingField, Msg: fmt.Sprintf("Missing required field: %s", field)}
}

func malformedInputError(format string, args ...any) error {
	return &Error{Kind: KindMalformedInput, Msg: fmt.Sprintf(format, args...)}
}

func compileError(diagnostics string) error {
	if diagnostics == "" {
		diagnostics = "Compilation failed"
	}
	return &Error{Kind: KindCompile, Msg: diagnostics}
}

func timeoutError(stage string, limit time.Duration) error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf("%s timed out after %d seconds", stage, int(limit.Seconds()))}
}

func dependencyError(err error, format string, args ...any) error {
	return &Error{Kind: KindDependencyResolution, Msg: fmt.Sprintf(format, args...), Err: err}
}

func resourceError(err error, format string, args ...any) error {
	return &Error{Kind: KindResource, Msg: fmt.Sprintf(format, args...), Err: err}
}
