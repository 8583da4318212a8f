package tracker

import (
	"errors"
	"fmt"
)

// Error kinds returned by the tracker.  Store errors never escape raw; every
// failure is wrapped in exactly one of these so callers can branch with
// errors.Is.
var (
	// ErrConflict means the part was taken by someone else between the
	// caller's read and its conditional write.
	ErrConflict = errors.New("part already taken")
	// ErrPermissionDenied means the caller neither owns the part nor holds
	// the admin role.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidation means the request was rejected before touching the
	// store.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means the addressed part does not exist.
	ErrNotFound = errors.New("part not found")
	// ErrBackendUnavailable wraps store and network failures.  Nothing may
	// be assumed to have been written.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrPartialArchive means an archive failed after its history row may
	// have been written and the outcome could not be rolled back cleanly.
	// An operator must inspect completed_tracks and the part grid before
	// retrying.
	ErrPartialArchive = errors.New("archive partially applied")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func backendError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// IsFatal reports whether err requires operator attention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPartialArchive)
}
