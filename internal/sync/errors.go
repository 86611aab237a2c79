package sync

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
)

var (
	// ErrNetworkTimeout is returned when a server call exceeds its timeout.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrNetworkUnavailable is returned when the server cannot be reached or
	// answers with a transient failure.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRejected is returned when the server permanently refuses a request,
	// for example because the user lacks access to the workspace.
	ErrRejected = errors.New("rejected by server")

	// ErrCycleInProgress is returned by SyncOnce while another cycle runs.
	// The running cycle will be followed by one more.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
)

// IsRetryable returns true if err is transient: a later cycle may succeed
// without user action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTimeout) ||
		errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, store.ErrStorageUnavailable)
}

// IsUserVisible returns true if err should be surfaced to the user rather
// than retried silently.
func IsUserVisible(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, schema.ErrSchemaInvalid)
}

// classify maps a transport error onto the engine's taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNetworkTimeout),
		errors.Is(err, ErrNetworkUnavailable),
		errors.Is(err, ErrRejected),
		errors.Is(err, schema.ErrSchemaInvalid):
		return err
	case errors.Is(err, protocol.ErrPermissionDenied):
		return fmt.Errorf("%w: %w", ErrRejected, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
}
