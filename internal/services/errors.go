package services

import (
	"errors"
	"fmt"

	"github.com/AnshRaj112/hams-diary/internal/docstore"
)

var (
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the action does not apply to the record as it is,
	// such as updating a deleted record.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation means malformed input, usually a day or month string.
	ErrValidation = errors.New("validation failed")
	// ErrTransient means the store gave up retrying conflicting transactions.
	// The whole call can be retried.
	ErrTransient = errors.New("transient failure")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeErr translates document store failures into the service taxonomy.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrTransient):
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
