package sync

import (
	"context"
	"log"
	"time"

	"github.com/tasklytic/tasklytic/internal/protocol"
)

// Remote is the server RPC surface the engine talks to.
type Remote interface {
	// Push sends changes and returns one Result per change, in order.
	//
	// A returned error means the whole call failed and nothing can be
	// assumed about which changes were applied; every change will be sent
	// again. Implementations wrap permanent failures in ErrRejected.
	Push(ctx context.Context, scope protocol.Scope, changes []protocol.Change) ([]protocol.Result, error)

	// Pull returns up to limit entities changed after the since cursor.
	Pull(ctx context.Context, scope protocol.Scope, since int64, limit int) (*protocol.PullResponse, error)
}

// State is the engine's position in the sync cycle.
type State int

const (
	Idle State = iota
	Pushing
	Pulling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Pulling:
		return "pulling"
	default:
		return "unknown"
	}
}

// Options configures an Engine.
type Options struct {
	Scope protocol.Scope

	// BatchSize bounds the number of changes per push call.
	BatchSize int
	// PullPageSize bounds the number of entities per pull call.
	PullPageSize int
	// CallTimeout bounds each network call.
	CallTimeout time.Duration
	// Interval is the period of background cycles in Run. Zero disables
	// them; cycles then only run on Trigger.
	Interval time.Duration

	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Notifier Notifier
	Logger   *log.Logger
}

// DefaultOptions returns the defaults for everything but Scope.
func DefaultOptions() Options {
	return Options{
		BatchSize:    50,
		PullPageSize: 200,
		CallTimeout:  15 * time.Second,
		Interval:     time.Minute,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PullPageSize <= 0 {
		o.PullPageSize = d.PullPageSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = d.MaxBackoff
		if o.MaxBackoff < o.BaseBackoff {
			o.MaxBackoff = o.BaseBackoff
		}
	}
	return o
}
