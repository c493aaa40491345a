package patient

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("patient not found")
	ErrExists    = errors.New("patient profile already exists")
	ErrForbidden = errors.New("not permitted to access this patient")
)

// ValidationError reports a missing or malformed profile field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// DependencyError wraps a repository failure that is not a typed outcome.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func declined(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrForbidden) ||
		errors.As(err, &ve)
}
