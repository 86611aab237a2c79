package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
	"github.com/tasklytic/tasklytic/internal/sync"
)

var testScope = protocol.Scope{UserID: "u1", WorkspaceID: "ws1", ClientID: "c1"}

// acceptingRemote accepts every change and has nothing to pull.
type acceptingRemote struct {
	mu     stdsync.Mutex
	pushed []string
	pulls  int
}

func (r *acceptingRemote) Push(_ context.Context, _ protocol.Scope, changes []protocol.Change) ([]protocol.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]protocol.Result, len(changes))
	for i, ch := range changes {
		r.pushed = append(r.pushed, ch.EntityID)
		results[i] = protocol.Accepted(ch.EntryID, ch.BaseVersion+1)
	}
	return results, nil
}

func (r *acceptingRemote) Pull(_ context.Context, _ protocol.Scope, since int64, _ int) (*protocol.PullResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	return &protocol.PullResponse{Cursor: since}, nil
}

func (r *acceptingRemote) pushedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pushed...)
}

func (r *acceptingRemote) pullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// fakeSubscriber hands the subscription callback to the test.
type fakeSubscriber struct {
	mu        stdsync.Mutex
	onMessage func(protocol.Event)
}

func (s *fakeSubscriber) Subscribe(_ context.Context, _ string, onMessage func(protocol.Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = onMessage
	return func() {}, nil
}

func (s *fakeSubscriber) deliver(ev protocol.Event) bool {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// flakyEngine fails every write while failing is set.
type flakyEngine struct {
	engine.Engine
	failing atomic.Bool
}

func (f *flakyEngine) Update(ctx context.Context, fn func(tx engine.Tx) error) error {
	if f.failing.Load() {
		return errors.New("disk I/O error")
	}
	return f.Engine.Update(ctx, fn)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Scope = testScope
	cfg.RealtimeDebounce = 0
	cfg.HealthInterval = 0
	cfg.Logger = quietLogger()
	return cfg
}

func newStore(t *testing.T) (*store.Store, engine.Engine) {
	t.Helper()
	eng, err := engine.OpenBadgerInMemory()
	require.NoError(t, err)
	st := store.New(eng, quietLogger())
	t.Cleanup(func() { _ = st.Close() })
	return st, eng
}

func newEngine(st *store.Store, remote sync.Remote) *sync.Engine {
	return sync.New(st, remote, sync.Options{
		Scope:       testScope,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		Logger:      quietLogger(),
	})
}

func note(id, title string) *schema.Note {
	return &schema.Note{Meta: schema.Meta{ID: id, WorkspaceID: testScope.WorkspaceID}, OwnerID: testScope.UserID, Title: title}
}

// runDaemon starts d and returns a func that stops it and reports Run's error.
func runDaemon(t *testing.T, d *Daemon) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once stdsync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				err = errors.New("daemon did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestNew_RequiresStoreAndEngine(t *testing.T) {
	st, _ := newStore(t)
	eng := newEngine(st, &acceptingRemote{})

	_, err := New(nil, eng, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(st, nil, nil, nil, nil)
	assert.Error(t, err)

	d, err := New(st, eng, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, d.config.Logger)
	assert.NotNil(t, d.notifier)
}

func TestDaemon_PushesLocalWrites(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	remote := &acceptingRemote{}

	d, err := New(st, newEngine(st, remote), nil, nil, testConfig())
	require.NoError(t, err)
	stop := runDaemon(t, d)

	require.Eventually(t, func() bool { return remote.pullCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, st.Put(ctx, note("n1", "Groceries")))

	require.Eventually(t, func() bool {
		stats, err := st.Journal().Stats(ctx)
		return err == nil && stats.Total == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1"}, remote.pushedIDs())

	n, err := st.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.BaseVersion)

	assert.NoError(t, stop())
}

func TestDaemon_RecoversInFlightEntries(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	require.NoError(t, st.Put(ctx, note("n1", "Left behind")))

	// A previous process drained the entry and died before the ack.
	drained, err := st.Journal().Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	remote := &acceptingRemote{}
	cfg := testConfig()
	cfg.LeaseTTL = 0
	d, err := New(st, newEngine(st, remote), nil, nil, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool {
		return len(remote.pushedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := st.Journal().Stats(ctx)
		return err == nil && stats.Total == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_RealtimeEventTriggersPull(t *testing.T) {
	st, _ := newStore(t)
	remote := &acceptingRemote{}
	sub := &fakeSubscriber{}

	d, err := New(st, newEngine(st, remote), sub, nil, testConfig())
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool { return remote.pullCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	before := remote.pullCount()

	ev := protocol.Event{
		Type:        protocol.EventChanged,
		Channel:     protocol.NoteChannel(testScope.WorkspaceID, "n9"),
		WorkspaceID: testScope.WorkspaceID,
		Origin:      "another-client",
	}
	require.Eventually(t, func() bool { return sub.deliver(ev) }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return remote.pullCount() > before }, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_WarnsOnStorageFailures(t *testing.T) {
	ctx := context.Background()
	base, err := engine.OpenBadgerInMemory()
	require.NoError(t, err)
	flaky := &flakyEngine{Engine: base}
	st := store.New(flaky, quietLogger())
	t.Cleanup(func() { _ = st.Close() })

	remote := &acceptingRemote{}
	notices := make(sync.ChanNotifier, 8)
	cfg := testConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	cfg.StorageWarnThreshold = 2

	d, err := New(st, newEngine(st, remote), nil, notices, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	// Wait until in-flight recovery and the first cycle are done.
	require.Eventually(t, func() bool { return remote.pullCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	// Sync cycles may report other notices meanwhile; only storage ones
	// count here.
	waitNotice := func() sync.Notice {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case n := <-notices:
				if n.Kind == sync.NoticeStorage {
					return n
				}
			case <-deadline:
				t.Fatal("no storage notice")
				return sync.Notice{}
			}
		}
	}

	flaky.failing.Store(true)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, st.Put(ctx, note("n1", "lost")), store.ErrStorageUnavailable)
	}

	n := waitNotice()
	assert.Equal(t, sync.NoticeStorage, n.Kind)
	assert.Equal(t, sync.LevelWarning, n.Level)

	// One warning per failure streak.
	assert.ErrorIs(t, st.Put(ctx, note("n1", "lost")), store.ErrStorageUnavailable)
	quiet := time.After(30 * time.Millisecond)
	for done := false; !done; {
		select {
		case extra := <-notices:
			if extra.Kind == sync.NoticeStorage {
				t.Fatalf("unexpected notice: %+v", extra)
			}
		case <-quiet:
			done = true
		}
	}

	flaky.failing.Store(false)
	require.NoError(t, st.Put(ctx, note("n1", "saved")))
	require.Equal(t, int64(0), st.Health())
	// Let the health loop observe the recovery.
	time.Sleep(30 * time.Millisecond)

	flaky.failing.Store(true)
	for i := 0; i < 2; i++ {
		assert.Error(t, st.Put(ctx, note("n2", "lost")))
	}
	n = waitNotice()
	assert.Equal(t, sync.NoticeStorage, n.Kind)
	flaky.failing.Store(false)
}

func TestDaemon_FileChangeWithPendingEntriesTriggers(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "tasklytic.db")

	// The daemon's own handle.
	eng, err := engine.OpenSQLite(dbPath)
	require.NoError(t, err)
	st := store.New(eng, quietLogger())
	t.Cleanup(func() { _ = st.Close() })

	remote := &acceptingRemote{}
	cfg := testConfig()
	cfg.StorePath = dbPath
	cfg.DebounceInterval = 10 * time.Millisecond

	d, err := New(st, newEngine(st, remote), nil, nil, cfg)
	require.NoError(t, err)
	runDaemon(t, d)
	require.Eventually(t, func() bool { return remote.pullCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	// A second process, such as a CLI command, writes the same file.
	other, err := engine.OpenSQLite(dbPath)
	require.NoError(t, err)
	cli := store.New(other, quietLogger())
	require.NoError(t, cli.Put(ctx, note("n1", "From the CLI")))
	require.NoError(t, cli.Close())

	require.Eventually(t, func() bool {
		return len(remote.pushedIDs()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
