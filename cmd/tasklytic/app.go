package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tasklytic/tasklytic/internal/api"
	"github.com/tasklytic/tasklytic/internal/editor"
	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
	"github.com/tasklytic/tasklytic/internal/sync"
	"github.com/tasklytic/tasklytic/internal/ui"
)

var errOffline = errors.New("no server configured; set server.url or run 'tasklytic init --server <url>'")

// openStore opens the local store named by the config.
func openStore() (*store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	eng, err := engine.Open(cfg.Store.Engine, cfg.Store.Path)
	if err != nil {
		if cfg.Store.Engine == engine.KindBadger {
			return nil, fmt.Errorf("%w (is 'tasklytic daemon' running? the badger engine allows one process)", err)
		}
		return nil, err
	}
	return store.New(eng, logs.Logger("store")), nil
}

// newSyncEngine builds a sync engine talking to the configured server.
func newSyncEngine(st *store.Store, notifier sync.Notifier) *sync.Engine {
	return sync.New(st, api.NewClient(cfg.Server.URL, cfg.Sync.CallTimeout), sync.Options{
		Scope:        cfg.Scope(),
		BatchSize:    cfg.Sync.BatchSize,
		PullPageSize: cfg.Sync.PullPageSize,
		CallTimeout:  cfg.Sync.CallTimeout,
		Interval:     cfg.Sync.Interval,
		BaseBackoff:  cfg.Sync.BaseBackoff,
		MaxBackoff:   cfg.Sync.MaxBackoff,
		Notifier:     notifier,
		Logger:       logs.Debug("sync"),
	})
}

func printNotice(n sync.Notice) {
	fmt.Fprint(os.Stderr, ui.FormatNotice(n))
}

// findNote resolves a full ID or a unique ID prefix to a live note.
func findNote(ctx context.Context, st *store.Store, ref string) (*schema.Note, error) {
	if n, err := st.GetNote(ctx, ref); err == nil {
		return n, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	notes, err := st.ListNotes(ctx, cfg.Identity.WorkspaceID)
	if err != nil {
		return nil, err
	}
	var matches []*schema.Note
	for _, n := range notes {
		if strings.HasPrefix(n.ID, ref) {
			matches = append(matches, n)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no note matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d notes; use more characters", ref, len(matches))
	}
}

// findBlock resolves a block ID or unique prefix within a note.
func findBlock(ctx context.Context, st *store.Store, noteID, ref string) (*schema.Block, error) {
	blocks, err := st.QueryByParent(ctx, noteID)
	if err != nil {
		return nil, err
	}
	var matches []*schema.Block
	for _, b := range blocks {
		if b.ID == ref {
			return b, nil
		}
		if strings.HasPrefix(b.ID, ref) {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no block in note %s matches %q", ui.ShortID(noteID), ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d blocks; use more characters", ref, len(matches))
	}
}

// applyOp runs an editor operation against the store.
func applyOp(ctx context.Context, st *store.Store, op editor.Op) (editor.Op, error) {
	return editor.DefaultRegistry().Pipeline().Apply(ctx, st, op)
}
