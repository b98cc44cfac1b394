package collab

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("collab already exists")
	ErrNotFound       = errors.New("record not found")
	ErrInternal       = errors.New("internal storage error")
	ErrEmptyBatch     = fmt.Errorf("%w: empty batch", ErrInvalidRequest)
)

// ConflictError is returned when a create targets an existing collab
// without override permission. It matches ErrConflict.
type ConflictError struct {
	ObjectID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConflict, e.ObjectID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
