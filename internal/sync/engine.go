package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/store"
)

// maxPushRounds bounds the batches pushed in one cycle, so that a stream of
// conflicting concurrent edits cannot keep a cycle from reaching its pull.
const maxPushRounds = 16

// CycleStats describes one sync cycle.
type CycleStats struct {
	Started  time.Time
	Finished time.Time

	Pushed    int
	Accepted  int
	Conflicts int
	Rejected  int
	Pulled    int
	Skipped   int

	Err error
}

// Status is a snapshot of the engine.
type Status struct {
	State     State
	LastCycle CycleStats
	// Failures counts consecutive failed cycles.
	Failures int
	// RetryAt is when the next cycle may run after a failure.
	RetryAt time.Time
}

// Engine is the Sync Engine.
type Engine struct {
	store   *store.Store
	journal *journal.Journal
	remote  Remote
	opts    Options
	logger  *log.Logger
	notify  Notifier

	kick chan struct{}

	mu       stdsync.Mutex
	state    State
	running  bool
	rerun    bool
	backoff  Backoff
	retryAt  time.Time
	last     CycleStats
	stranded []string
}

// New returns an Engine syncing st with remote.
func New(st *store.Store, remote Remote, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	var notify Notifier = discardNotifier{}
	if opts.Notifier != nil {
		notify = opts.Notifier
	}
	return &Engine{
		store:   st,
		journal: st.Journal(),
		remote:  remote,
		opts:    opts,
		logger:  logger,
		notify:  notify,
		kick:    make(chan struct{}, 1),
		backoff: Backoff{Base: opts.BaseBackoff, Max: opts.MaxBackoff},
	}
}

// Trigger asks for a sync cycle. If a cycle is running, exactly one more
// runs after it; otherwise Run starts one as soon as any backoff allows.
// Trigger never blocks.
func (e *Engine) Trigger() {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run runs cycles until ctx is cancelled: one immediately, then on Trigger,
// every Interval, and after failures once the backoff delay has passed.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
			if wait := time.Until(e.Status().RetryAt); wait > 0 {
				resetTimer(timer, wait)
				continue
			}
		case <-timer.C:
		}

		err := e.runCycles(ctx)
		if ctx.Err() != nil {
			return nil
		}

		next := e.opts.Interval
		if err != nil && !errors.Is(err, ErrCycleInProgress) {
			next = time.Until(e.Status().RetryAt)
		}
		if next > 0 {
			resetTimer(timer, next)
		} else if err != nil && !errors.Is(err, ErrCycleInProgress) {
			resetTimer(timer, time.Millisecond)
		} else {
			stopTimer(timer)
		}
	}
}

// SyncOnce runs a cycle now, followed by one more if Trigger was called
// meanwhile. It returns ErrCycleInProgress if a cycle is already running;
// that cycle will be followed by another.
func (e *Engine) SyncOnce(ctx context.Context) error {
	return e.runCycles(ctx)
}

// State returns the current cycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:     e.state,
		LastCycle: e.last,
		Failures:  e.backoff.Attempts(),
		RetryAt:   e.retryAt,
	}
}

func (e *Engine) runCycles(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return ErrCycleInProgress
	}
	e.running = true
	e.rerun = false
	e.mu.Unlock()

	for {
		err := e.cycle(ctx)

		e.mu.Lock()
		again := e.rerun && err == nil && ctx.Err() == nil
		e.rerun = false
		if !again {
			e.running = false
			e.state = Idle
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) cycle(ctx context.Context) error {
	stats := CycleStats{Started: time.Now()}

	err := e.releaseStranded(ctx)
	if err == nil {
		err = e.push(ctx, &stats)
	}
	if err == nil {
		e.setState(Pulling)
		err = e.pull(ctx, &stats)
	}
	e.setState(Idle)

	stats.Finished = time.Now()
	stats.Err = err

	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = stats

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		delay := e.backoff.Next()
		e.retryAt = time.Now().Add(delay)
		e.logger.Printf("WARNING: sync cycle failed (attempt %d, retrying in %s): %v",
			e.backoff.Attempts(), delay, err)
		if e.backoff.Attempts() == 1 && IsRetryable(err) {
			e.notify.Notify(Notice{
				Level:   LevelWarning,
				Kind:    NoticeOffline,
				Message: err.Error(),
				At:      stats.Finished,
			})
		}
		return err
	}

	e.backoff.Reset()
	e.retryAt = time.Time{}
	if stats.Pushed > 0 || stats.Pulled > 0 {
		e.logger.Printf("Synced: pushed %d (%d accepted, %d conflicts, %d rejected), pulled %d",
			stats.Pushed, stats.Accepted, stats.Conflicts, stats.Rejected, stats.Pulled)
	}
	return nil
}

// strand remembers an in-flight entry that could not be released because
// the store failed; the next cycle releases it.
func (e *Engine) strand(id string) {
	e.mu.Lock()
	e.stranded = append(e.stranded, id)
	e.mu.Unlock()
}

func (e *Engine) releaseStranded(ctx context.Context) error {
	e.mu.Lock()
	ids := e.stranded
	e.stranded = nil
	e.mu.Unlock()

	for i, id := range ids {
		if err := e.journal.Release(ctx, id, errors.New("stranded by storage failure")); err != nil {
			e.mu.Lock()
			e.stranded = append(e.stranded, ids[i:]...)
			e.mu.Unlock()
			return fmt.Errorf("failed to release stranded entries: %w", err)
		}
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
