package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("not found")

// ValidationError marks a request rejected before anything was persisted:
// missing parent references, illegal state transitions, bad enum values.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError. Other packages use it for
// rejections that belong in the same class: illegal stage moves,
// cross-project references, unsupported enum values.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
