package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/tasklytic/tasklytic/internal/schema"
)

var (
	// ErrStorageUnavailable wraps failures of the underlying storage engine:
	// I/O errors, quota exhaustion, a locked or corrupt database. Callers
	// retry these.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when an entity does not exist or is tombstoned.
	ErrNotFound = errors.New("entity not found")

	// ErrDeleted is returned when writing to a tombstoned entity. Restore it
	// first.
	ErrDeleted = errors.New("entity is deleted")

	// ErrNotDeleted is returned by Purge and Restore for live entities.
	ErrNotDeleted = errors.New("entity is not deleted")
)

// isLogical reports whether err is a caller-facing outcome rather than an
// engine failure.
func isLogical(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDeleted) ||
		errors.Is(err, ErrNotDeleted) ||
		errors.Is(err, schema.ErrSchemaInvalid) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func notFound(k schema.Key) error {
	return fmt.Errorf("%w: %s", ErrNotFound, k)
}
