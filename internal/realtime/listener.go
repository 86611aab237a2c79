package realtime

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/tasklytic/tasklytic/internal/protocol"
)

// Subscriber is a source of realtime events: a Hub in-process, or a Client
// over the network.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, onMessage func(protocol.Event)) (func(), error)
}

// Listener turns change notifications for a workspace into sync triggers.
// Events caused by this client's own pushes are ignored, and a burst of
// events within the debounce window produces one trigger.
type Listener struct {
	sub      Subscriber
	scope    protocol.Scope
	debounce time.Duration
	trigger  func()
	logger   *log.Logger

	kick chan struct{}
}

// NewListener returns a Listener calling trigger for scope's workspace.
func NewListener(sub Subscriber, scope protocol.Scope, debounce time.Duration, trigger func(), logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Listener{
		sub:      sub,
		scope:    scope,
		debounce: debounce,
		trigger:  trigger,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Run subscribes and triggers until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	unsubscribe, err := l.sub.Subscribe(ctx, protocol.WorkspacePattern(l.scope.WorkspaceID), l.onEvent)
	if err != nil {
		return err
	}
	defer unsubscribe()

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
			return nil
		case <-l.kick:
			if l.debounce <= 0 {
				l.trigger()
				continue
			}
			if firing == nil {
				timer = time.NewTimer(l.debounce)
				firing = timer.C
			}
		case <-firing:
			firing = nil
			l.trigger()
		}
	}
}

func (l *Listener) onEvent(ev protocol.Event) {
	if ev.Type != protocol.EventChanged || ev.WorkspaceID != l.scope.WorkspaceID {
		return
	}
	if l.scope.ClientID != "" && ev.Origin == l.scope.ClientID {
		return
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
}
