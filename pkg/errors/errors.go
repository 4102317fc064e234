package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")

	// ErrMissingParameters is returned when a relay connection lacks call identifiers.
	ErrMissingParameters = errors.New("missing required parameters")
	// ErrAlreadyRecorded is returned by guarded writes that already took effect.
	ErrAlreadyRecorded = errors.New("already recorded")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
