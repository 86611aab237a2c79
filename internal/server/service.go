// Package server implements the authoritative sync server: a relational
// store with per-workspace change sequences, the push/pull service, and its
// HTTP and realtime surface.
package server

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/schema"
)

// MaxPullLimit caps the page size a client may request.
const MaxPullLimit = 1000

// Publisher fans change notifications out to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev protocol.Event) error
}

// Service answers push and pull requests against a Store.
type Service struct {
	store     *Store
	publisher Publisher
	logger    *log.Logger
}

// NewService returns a Service over st. publisher may be nil.
func NewService(st *Store, publisher Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{store: st, publisher: publisher, logger: logger}
}

// SetPublisher replaces the publisher.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Push applies changes in order and returns one result per change. An
// error means no change was applied past the failing one; results for the
// changes before it are lost to the caller, which simply pushes them again.
func (s *Service) Push(ctx context.Context, scope protocol.Scope, changes []protocol.Change) ([]protocol.Result, error) {
	if err := s.store.Authorize(ctx, scope); err != nil {
		return nil, err
	}

	results := make([]protocol.Result, 0, len(changes))
	notes := make(map[string]int64)
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, info, err := s.store.Apply(ctx, scope, ch)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", ch.Key(), err)
		}
		if res.Status != protocol.StatusAccepted {
			s.logger.Printf("%s %s from %s: %s %s", res.Status, ch.Key(), scope.ClientID, ch.Operation, res.Reason)
		}
		if info != nil && info.seq > notes[info.noteID] {
			notes[info.noteID] = info.seq
		}
		results = append(results, res)
	}

	s.publish(ctx, scope, notes)
	return results, nil
}

func (s *Service) publish(ctx context.Context, scope protocol.Scope, notes map[string]int64) {
	if s.publisher == nil {
		return
	}
	for noteID, seq := range notes {
		channel := protocol.NoteChannel(scope.WorkspaceID, noteID)
		ev := protocol.Event{
			Type:        protocol.EventChanged,
			Channel:     channel,
			WorkspaceID: scope.WorkspaceID,
			Origin:      scope.ClientID,
			Seq:         seq,
		}
		if err := s.publisher.Publish(ctx, channel, ev); err != nil {
			s.logger.Printf("WARNING: failed to publish %s: %v", channel, err)
		}
	}
}

// Pull returns the workspace's changes after since.
func (s *Service) Pull(ctx context.Context, scope protocol.Scope, since int64, limit int) (*protocol.PullResponse, error) {
	if err := s.store.Authorize(ctx, scope); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxPullLimit {
		limit = MaxPullLimit
	}
	if since < 0 {
		since = 0
	}

	entities, cursor, more, err := s.store.Changes(ctx, scope.WorkspaceID, since, limit)
	if err != nil {
		return nil, err
	}

	resp := &protocol.PullResponse{
		Entities: make([]schema.Envelope, 0, len(entities)),
		Cursor:   cursor,
		HasMore:  more,
	}
	for _, ent := range entities {
		env, err := schema.Encode(ent)
		if err != nil {
			return nil, err
		}
		resp.Entities = append(resp.Entities, env)
	}
	return resp, nil
}
