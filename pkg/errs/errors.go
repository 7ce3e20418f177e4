// Package errs defines the classified error type shared by every minerlink
// component. Callers branch on the Kind, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for programmatic handling.
type Kind string

const (
	// KindNotFound indicates the locator does not resolve to a stored resource.
	KindNotFound Kind = "not_found"

	// KindPermissionDenied indicates the backend refused access to the locator.
	KindPermissionDenied Kind = "permission_denied"

	// KindSizeLimitExceeded indicates the payload crossed the configured ceiling.
	KindSizeLimitExceeded Kind = "size_limit_exceeded"

	// KindCorruptPayload indicates stored bytes that do not decode.
	KindCorruptPayload Kind = "corrupt_payload"

	// KindUnsupportedType indicates a value with no wire representation.
	KindUnsupportedType Kind = "unsupported_type"

	// KindExecutionFailed indicates a remote or batch job ended in failure.
	KindExecutionFailed Kind = "execution_failed"

	// KindDecryptionUnavailable indicates an encrypted field with no key source.
	KindDecryptionUnavailable Kind = "decryption_unavailable"

	// KindMacroNotFound indicates an injected field whose macro is undefined.
	KindMacroNotFound Kind = "macro_not_found"

	// KindFieldNotFound indicates no connection field matched the search.
	KindFieldNotFound Kind = "field_not_found"

	// KindUnsupportedForVersionedProject indicates inputs or outputs requested
	// for a process stored in a versioned project.
	KindUnsupportedForVersionedProject Kind = "unsupported_for_versioned_project"

	// KindCleanupFailed indicates temporary state could not be removed.
	KindCleanupFailed Kind = "cleanup_failed"

	// KindInvalidArgument indicates a caller error detected before any I/O.
	KindInvalidArgument Kind = "invalid_argument"

	// KindAuthenticationFailed indicates the token provider or server rejected
	// the credentials.
	KindAuthenticationFailed Kind = "authentication_failed"

	// KindTimeout indicates the caller deadline elapsed.
	KindTimeout Kind = "timeout"

	// KindInternal indicates an unexpected failure inside a backend.
	KindInternal Kind = "internal"
)

// Error is a classified error with context.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the locator or connection the error concerns, if any.
	Resource string `json:"resource,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Resource != "" && e.Op != "":
		msg = fmt.Sprintf("%s (resource=%s, op=%s)", msg, e.Resource, e.Op)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Op != "":
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Op)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, errs.ErrNotFound) works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound                       = New(KindNotFound, "not found")
	ErrPermissionDenied               = New(KindPermissionDenied, "permission denied")
	ErrSizeLimitExceeded              = New(KindSizeLimitExceeded, "size limit exceeded")
	ErrCorruptPayload                 = New(KindCorruptPayload, "corrupt payload")
	ErrUnsupportedType                = New(KindUnsupportedType, "unsupported type")
	ErrExecutionFailed                = New(KindExecutionFailed, "execution failed")
	ErrDecryptionUnavailable          = New(KindDecryptionUnavailable, "decryption unavailable")
	ErrMacroNotFound                  = New(KindMacroNotFound, "macro not found")
	ErrFieldNotFound                  = New(KindFieldNotFound, "field not found")
	ErrUnsupportedForVersionedProject = New(KindUnsupportedForVersionedProject, "unsupported for versioned project")
	ErrCleanupFailed                  = New(KindCleanupFailed, "cleanup failed")
	ErrInvalidArgument                = New(KindInvalidArgument, "invalid argument")
	ErrAuthenticationFailed           = New(KindAuthenticationFailed, "authentication failed")
	ErrTimeout                        = New(KindTimeout, "timeout")
)

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// IsSizeLimitExceeded returns true if the error is a size ceiling violation.
func IsSizeLimitExceeded(err error) bool {
	return Is(err, KindSizeLimitExceeded)
}

// IsExecutionFailed returns true if a job or batch run failed.
func IsExecutionFailed(err error) bool {
	return Is(err, KindExecutionFailed)
}

// IsCleanupFailed returns true if the error only concerns leftover
// temporary state.
func IsCleanupFailed(err error) bool {
	return Is(err, KindCleanupFailed)
}
