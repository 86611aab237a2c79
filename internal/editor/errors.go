package editor

import "errors"

// Errors returned when applying editor operations.
//
//	if errors.Is(err, editor.ErrUnhandledOp) {
//	    // no registered plugin understands this op
//	}
var (
	// ErrUnhandledOp is returned when no plugin handles an operation.
	ErrUnhandledOp = errors.New("unhandled editor operation")

	// ErrInvalidOp is returned when an operation lacks the fields its type
	// requires.
	ErrInvalidOp = errors.New("invalid editor operation")
)
