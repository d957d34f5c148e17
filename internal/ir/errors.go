package ir

import (
	"errors"
	"fmt"
)

// Error is the engine's typed error. Every rejection that reaches an
// external caller carries one of the codes below.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Scope is the tenant the failing operation ran in, when known.
	Scope string

	// Subject names the entity involved (version id, artifact path, ...).
	Subject string

	// Details carries extra diagnostic context.
	Details map[string]string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// CodeNotFound: a referenced version, overlay, baseline or script is absent.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInvalidTransition: an illegal stage change was requested.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeInvalidTree: a configuration tree failed structural validation.
	CodeInvalidTree ErrorCode = "INVALID_TREE"

	// CodeNoBaseline: resolve was called before a baseline was captured.
	CodeNoBaseline ErrorCode = "NO_BASELINE"

	// CodeHandlerFailure: a single handler failed during dispatch.
	CodeHandlerFailure ErrorCode = "HANDLER_FAILURE"

	// CodeDependencyUnsatisfied: a customization's dependency was not selected.
	CodeDependencyUnsatisfied ErrorCode = "DEPENDENCY_UNSATISFIED"

	// CodeInvalidOverlay: an overlay payload is malformed.
	CodeInvalidOverlay ErrorCode = "INVALID_OVERLAY"

	// CodeInvalidArgument: a request is missing or has malformed fields.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Scope != "" && e.Subject != "":
		return fmt.Sprintf("%s: %s (scope=%s, subject=%s)", e.Code, e.Message, e.Scope, e.Subject)
	case e.Subject != "":
		return fmt.Sprintf("%s: %s (subject=%s)", e.Code, e.Message, e.Subject)
	case e.Scope != "":
		return fmt.Sprintf("%s: %s (scope=%s)", e.Code, e.Message, e.Scope)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsInvalidTransition reports whether err is an INVALID_TRANSITION error.
func IsInvalidTransition(err error) bool { return CodeOf(err) == CodeInvalidTransition }

// IsInvalidTree reports whether err is an INVALID_TREE error.
func IsInvalidTree(err error) bool { return CodeOf(err) == CodeInvalidTree }

// IsNoBaseline reports whether err is a NO_BASELINE error.
func IsNoBaseline(err error) bool { return CodeOf(err) == CodeNoBaseline }

// IsHandlerFailure reports whether err is a HANDLER_FAILURE error.
func IsHandlerFailure(err error) bool { return CodeOf(err) == CodeHandlerFailure }

// IsRejection reports whether err is a caller-facing rejection, as opposed
// to an infrastructure failure (I/O, database, ...).
func IsRejection(err error) bool { return CodeOf(err) != "" }

// NewNotFoundError builds a NOT_FOUND error for kind/id in scope.
func NewNotFoundError(scope, kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: kind + " not found",
		Scope:   scope,
		Subject: id,
	}
}

// NewInvalidTransitionError names the attempted from -> to change.
func NewInvalidTransitionError(scope, versionID string, from Stage, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("illegal transition %s -> %s", from, to),
		Scope:   scope,
		Subject: versionID,
		Details: map[string]string{"from": string(from), "to": to},
	}
}

// NewInvalidTreeError wraps a structural validation failure.
func NewInvalidTreeError(msg string) *Error {
	return &Error{Code: CodeInvalidTree, Message: msg}
}

// NewNoBaselineError reports a resolve against an uncaptured artifact.
func NewNoBaselineError(scope, artifactPath string) *Error {
	return &Error{
		Code:    CodeNoBaseline,
		Message: "no baseline captured; capture one before resolving",
		Scope:   scope,
		Subject: artifactPath,
	}
}

// NewHandlerFailureError describes one failed handler invocation.
func NewHandlerFailureError(registrationID, msg string) *Error {
	return &Error{Code: CodeHandlerFailure, Message: msg, Subject: registrationID}
}

// NewDependencyUnsatisfiedError names the missing dependency of a record.
func NewDependencyUnsatisfiedError(scope, recordID, dependencyID string) *Error {
	return &Error{
		Code:    CodeDependencyUnsatisfied,
		Message: fmt.Sprintf("dependency %q is not in the selected set", dependencyID),
		Scope:   scope,
		Subject: recordID,
		Details: map[string]string{"dependency": dependencyID},
	}
}

// NewInvalidOverlayError reports a malformed overlay payload.
func NewInvalidOverlayError(subject, msg string) *Error {
	return &Error{Code: CodeInvalidOverlay, Message: msg, Subject: subject}
}

// NewInvalidArgumentError reports a malformed request field.
func NewInvalidArgumentError(field, msg string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: msg, Subject: field}
}
