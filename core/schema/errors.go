package schema

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrForbidden            = errors.New("forbidden")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrDispatchUnavailable  = errors.New("dispatch unavailable")
	ErrDbAccessFailed       = errors.New("db access failed")

	ErrDanglingReference        = errors.New("dangling reference")
	ErrFieldConstraintViolation = errors.New("field constraint violation")
)

// ValidationError is returned for writes rejected before any state is changed.
// Reason is one of ErrDanglingReference or ErrFieldConstraintViolation.
type ValidationError struct {
	Reason error
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %v", e.Reason, e.Msg)
	}
	return fmt.Sprintf("%v: %v: %v", e.Reason, e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func FieldViolation(field, msg string) error {
	return &ValidationError{Reason: ErrFieldConstraintViolation, Field: field, Msg: msg}
}

func DanglingReference(kind Kind, id interface{}) error {
	return &ValidationError{Reason: ErrDanglingReference, Field: string(kind), Msg: fmt.Sprintf("%v %v does not exist", kind, id)}
}

func NotFound(kind Kind, id interface{}) error {
	return fmt.Errorf("%v %v %w", kind, id, ErrNotFound)
}

func IllegalTransition(kind Kind, from, to string) error {
	return fmt.Errorf("%w: %v cannot move from %v to %v", ErrIllegalTransition, kind, from, to)
}
