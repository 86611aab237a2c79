package sync

import (
	"context"
	"fmt"

	"github.com/tasklytic/tasklytic/internal/schema"
	"github.com/tasklytic/tasklytic/internal/store"
)

func (e *Engine) pull(ctx context.Context, stats *CycleStats) error {
	ws := e.opts.Scope.WorkspaceID
	cursor, err := e.store.Cursor(ctx, ws)
	if err != nil {
		return fmt.Errorf("failed to read pull cursor: %w", err)
	}

	for {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		resp, err := e.remote.Pull(callCtx, e.opts.Scope, cursor, e.opts.PullPageSize)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = classify(err)
			if IsUserVisible(err) {
				e.notify.Notify(Notice{Level: LevelError, Kind: NoticeRejected, Message: err.Error()})
			}
			return fmt.Errorf("pull failed: %w", err)
		}

		for _, env := range resp.Entities {
			ent, err := env.Decode()
			if err != nil {
				e.notifySchema(schema.Key{Type: env.Type}, err)
				stats.Skipped++
				continue
			}
			if ent.Header().WorkspaceID != ws {
				e.logger.Printf("WARNING: pulled %s from foreign workspace %q", schema.KeyOf(ent), ent.Header().WorkspaceID)
				stats.Skipped++
				continue
			}

			applied, err := e.store.ApplyRemote(ctx, ent)
			if err != nil {
				return fmt.Errorf("failed to apply %s: %w", schema.KeyOf(ent), err)
			}
			switch applied {
			case store.AppliedWrite, store.AppliedPurge:
				stats.Pulled++
			default:
				stats.Skipped++
			}
		}

		if resp.Cursor > cursor {
			if err := e.store.SetCursor(ctx, ws, resp.Cursor); err != nil {
				return fmt.Errorf("failed to store pull cursor: %w", err)
			}
			cursor = resp.Cursor
		}
		if !resp.HasMore || len(resp.Entities) == 0 {
			return nil
		}
	}
}
