// Package daemon runs a client's background sync: the engine loop, the
// realtime listener, and the watchers that turn local writes into sync
// triggers.
//
// The daemon:
//  1. Returns entries left in flight by a previous process to the journal
//  2. Runs sync cycles on an interval and on demand
//  3. Triggers a cycle when a realtime notification arrives
//  4. Triggers a cycle when this process or another one writes the store
//  5. Warns when the store keeps failing
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasklytic/tasklytic/internal/journal"
	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/realtime"
	"github.com/tasklytic/tasklytic/internal/store"
	"github.com/tasklytic/tasklytic/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	Scope protocol.Scope

	// StorePath is the SQLite database to watch for writes by other
	// processes. Empty disables file watching.
	StorePath string

	// RealtimeDebounce collapses bursts of notifications into one cycle.
	RealtimeDebounce time.Duration

	// DebounceInterval is how long to wait after a database file change
	// before checking the journal. This batches rapid writes together.
	DebounceInterval time.Duration

	// HealthInterval is how often the store's health is checked.
	HealthInterval time.Duration

	// StorageWarnThreshold is the number of consecutive storage failures
	// that raises a warning notice.
	StorageWarnThreshold int64

	// LeaseTTL is the age after which an entry left in flight by another
	// process is taken back into the journal at startup.
	LeaseTTL time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RealtimeDebounce:     250 * time.Millisecond,
		DebounceInterval:     100 * time.Millisecond,
		HealthInterval:       30 * time.Second,
		StorageWarnThreshold: 3,
		LeaseTTL:             journal.DefaultLeaseTTL,
		Logger:               log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates one client's sync.
type Daemon struct {
	store    *store.Store
	engine   *sync.Engine
	sub      realtime.Subscriber
	notifier sync.Notifier
	config   *Config
}

// New creates a Daemon. sub and notifier may be nil: without sub the daemon
// relies on the engine's interval alone.
func New(st *store.Store, engine *sync.Engine, sub realtime.Subscriber, notifier sync.Notifier, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if notifier == nil {
		notifier = sync.LogNotifier{Logger: config.Logger}
	}
	return &Daemon{
		store:    st,
		engine:   engine,
		sub:      sub,
		notifier: notifier,
		config:   config,
	}, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	n, err := d.store.Journal().RecoverInFlight(ctx, d.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	if n > 0 {
		d.config.Logger.Printf("Recovered %d interrupted journal entries", n)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.engine.Run(ctx)
	})

	if d.sub != nil {
		l := realtime.NewListener(d.sub, d.config.Scope, d.config.RealtimeDebounce, d.engine.Trigger, d.config.Logger)
		g.Go(func() error {
			return l.Run(ctx)
		})
	}

	g.Go(func() error {
		d.watchStore(ctx)
		return nil
	})

	if d.config.StorePath != "" {
		fw, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := fw.Start(d.config.StorePath); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: %s", d.config.StorePath)
		g.Go(func() error {
			defer fw.Stop()
			d.watchFiles(ctx, fw)
			return nil
		})
	}

	if d.config.HealthInterval > 0 {
		g.Go(func() error {
			d.checkHealth(ctx)
			return nil
		})
	}

	err = g.Wait()
	d.config.Logger.Println("Daemon stopped")
	return err
}

// watchStore triggers a cycle for every local write made in this process.
func (d *Daemon) watchStore(ctx context.Context) {
	events, unwatch := d.store.Watch(64)
	defer unwatch()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Remote {
				d.engine.Trigger()
			}
		}
	}
}

// watchFiles triggers a cycle when another process has journaled changes.
// The daemon's own writes touch the same files, so a change only counts if
// the journal has entries waiting.
func (d *Daemon) watchFiles(ctx context.Context, fw *FileWatcher) {
	var (
		timer  *time.Timer
		firing <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-fw.Events():
			if !ok {
				return
			}
			if firing == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
				firing = timer.C
			}

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-firing:
			firing = nil
			stats, err := d.store.Journal().Stats(ctx)
			if err != nil {
				d.config.Logger.Printf("Warning: failed to read journal: %v", err)
				continue
			}
			if stats.Total > stats.InFlight {
				d.engine.Trigger()
			}
		}
	}
}

// checkHealth raises a storage notice once the store has failed
// StorageWarnThreshold times in a row, and again after it recovers and
// fails again.
func (d *Daemon) checkHealth(ctx context.Context) {
	ticker := time.NewTicker(d.config.HealthInterval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failures := d.store.Health()
			switch {
			case failures >= d.config.StorageWarnThreshold && !warned:
				warned = true
				d.notifier.Notify(sync.Notice{
					Level:   sync.LevelWarning,
					Kind:    sync.NoticeStorage,
					Message: fmt.Sprintf("local storage has failed %d times in a row; changes may not be saved", failures),
					At:      time.Now(),
				})
			case failures == 0 && warned:
				warned = false
				d.config.Logger.Println("Local storage recovered")
			}
		}
	}
}
