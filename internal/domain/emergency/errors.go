package emergency

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the case (or a referenced ambulance) does not exist.
	ErrNotFound = errors.New("emergency not found")
	// ErrConflict means the case is not in a state where the requested
	// transition applies, usually because a concurrent transition won.
	ErrConflict = errors.New("emergency is not in a valid state for this operation")
	// ErrAmbulanceAssigned means the ambulance already serves an active case.
	ErrAmbulanceAssigned = errors.New("ambulance is already assigned to an active emergency")
	// ErrForbidden means none of the actor's roles may trigger the event.
	ErrForbidden = errors.New("role not permitted for this operation")
)

// ValidationError reports a missing or malformed request field. It is
// returned before any store access.
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

// DependencyError wraps a failure of the store or another collaborator.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// declined reports whether err is one of the typed outcomes that are
// returned to the caller as a refused operation rather than a fault.
func declined(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAmbulanceAssigned) ||
		errors.Is(err, ErrForbidden) ||
		IsValidation(err)
}
