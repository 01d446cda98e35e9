package errx

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error category surfaced to clients on a failed turn.
type Kind string

const (
	// KindCollaboratorFailure covers an external call (retrieval, completion,
	// execution, report generation) that raised or timed out past its retry budget.
	KindCollaboratorFailure Kind = "collaborator_failure"
	// KindMalformedSynthesis marks query-synthesis output that failed the
	// structural sanity check. Always fatal to the turn.
	KindMalformedSynthesis Kind = "malformed_synthesis"
	// KindNotFound marks operations on a missing or soft-deleted conversation.
	KindNotFound Kind = "not_found"
	// KindCacheUnavailable marks an unreachable cache store. Callers degrade to
	// cache-miss behaviour; this kind never escalates to a turn failure.
	KindCacheUnavailable Kind = "cache_unavailable"
	// KindInternal is the fallback for everything else.
	KindInternal Kind = "internal"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// StoreErrorMessage describes database related failures.
	StoreErrorMessage = "store operation failed"
	// NotFoundMessage describes a missing or deleted conversation.
	NotFoundMessage = "conversation not found"
)

// AppError wraps an underlying error with a category, an HTTP status and a
// safe user-facing message.
type AppError struct {
	Err     error
	Kind    Kind
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return errors.As(e.Err, target)
}

// New creates a new AppError with the provided information.
func New(err error, kind Kind, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Kind:    kind,
		Status:  status,
		Message: message,
	}
}

// NotFound builds a NotFound error for the given conversation id.
func NotFound(conversationID string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("conversation %s not found", conversationID),
	}
}

// CollaboratorFailure wraps an exhausted external call.
func CollaboratorFailure(err error, collaborator string) *AppError {
	return &AppError{
		Err:     err,
		Kind:    KindCollaboratorFailure,
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("%s call failed", collaborator),
	}
}

// MalformedSynthesis wraps a structurally invalid synthesized query.
func MalformedSynthesis(err error) *AppError {
	return &AppError{
		Err:     err,
		Kind:    KindMalformedSynthesis,
		Status:  http.StatusUnprocessableEntity,
		Message: "synthesized query failed validation",
	}
}

// KindOf extracts the category from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// UserMessage extracts the safe message from an error chain.
func UserMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return SystemErrorMessage
}
