package registry

import "fmt"

// Error kinds (spec.md §4.2, §7).
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

type referentialViolationError struct{ msg string }

func (e *referentialViolationError) Error() string { return e.msg }

// ErrNotFound, ErrConflict, ErrInvalid and ErrReferentialViolation are
// sentinels for errors.Is checks; NotFound/Conflict/Invalid/Referential
// build the concrete errors callers receive, all of which satisfy
// errors.Is against these sentinels via Unwrap.
var (
	ErrNotFound             = &notFoundError{"not found"}
	ErrConflict             = &conflictError{"conflict"}
	ErrInvalid              = &invalidError{"invalid"}
	ErrReferentialViolation = &referentialViolationError{"referential violation"}
)

type wrappedError struct {
	sentinel error
	msg      string
}

func (e *wrappedError) Error() string { return e.msg }
func (e *wrappedError) Unwrap() error { return e.sentinel }

// NotFound builds a not-found error for the given entity/key.
func NotFound(entity, key string) error {
	return &wrappedError{ErrNotFound, fmt.Sprintf("%s %q not found", entity, key)}
}

// Conflict builds a uniqueness-violation error.
func Conflict(entity, field, value string) error {
	return &wrappedError{ErrConflict, fmt.Sprintf("%s with %s %q already exists", entity, field, value)}
}

// Invalid builds a validation error.
func Invalid(msg string) error {
	return &wrappedError{ErrInvalid, msg}
}

// ReferentialViolation builds a dangling-reference error.
func ReferentialViolation(msg string) error {
	return &wrappedError{ErrReferentialViolation, msg}
}
