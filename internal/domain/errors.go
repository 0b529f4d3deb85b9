package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrValidation        = errors.New("validation failed")
	ErrCapacity          = errors.New("capacity exceeded")
	ErrNotCancellable    = errors.New("job cannot be cancelled in its current state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrAlreadyExists     = errors.New("already exists")
)

// ValidationError lists the problems found in a rejected request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError from one or more messages.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// CapacityError reports an admission rejection caused by a limit.
type CapacityError struct {
	Reason string
	Limit  int
}

func (e *CapacityError) Error() string {
	return ErrCapacity.Error() + ": " + e.Reason
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}
