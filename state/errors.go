package state

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies operation failures so callers can map them to the right
// surface behavior without string matching.
type Kind string

// Failure kinds.
const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindExecution      Kind = "execution"
)

// OpError is a classified operation failure.
type OpError struct {
	Kind   Kind
	Reason string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Validationf builds a validation failure.
func Validationf(format string, args ...interface{}) error {
	return &OpError{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// Authenticationf builds an authentication failure.
func Authenticationf(format string, args ...interface{}) error {
	return &OpError{Kind: KindAuthentication, Reason: fmt.Sprintf(format, args...)}
}

// Authorizationf builds an authorization failure.
func Authorizationf(format string, args ...interface{}) error {
	return &OpError{Kind: KindAuthorization, Reason: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict failure.
func Conflictf(format string, args ...interface{}) error {
	return &OpError{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found failure.
func NotFoundf(format string, args ...interface{}) error {
	return &OpError{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Executionf builds an execution failure.
func Executionf(format string, args ...interface{}) error {
	return &OpError{Kind: KindExecution, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the failure kind of err, or an empty kind when err is not
// classified.
func KindOf(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
