// Package realtime fans change notifications out from the sync server to
// connected clients, and turns them into sync triggers on the client side.
//
// Notifications carry no entity data. A client that misses one still
// converges on its next periodic sync.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/coder/websocket"

	"github.com/tasklytic/tasklytic/internal/protocol"
)

// ErrClosed is returned when subscribing to or publishing on a closed Hub.
var ErrClosed = errors.New("realtime hub closed")

// Authorizer decides whether scope may subscribe to its workspace.
type Authorizer func(ctx context.Context, scope protocol.Scope) error

// HubConfig holds Hub configuration.
type HubConfig struct {
	// Authorize is consulted for websocket subscribers (default: allow).
	Authorize Authorizer

	// QueueSize bounds the events buffered per subscriber (default: 64).
	QueueSize int

	// WriteTimeout bounds one websocket write (default: 5s).
	WriteTimeout time.Duration

	Logger *log.Logger
}

// Hub routes published events to every subscription whose pattern matches
// the event channel. Subscribers are in-process callbacks or websocket
// connections.
type Hub struct {
	authorize    Authorizer
	queueSize    int
	writeTimeout time.Duration
	logger       *log.Logger

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	pattern string
	deliver func(protocol.Event)
	conn    *websocket.Conn
	queue   chan protocol.Event
	once    sync.Once
	done    chan struct{}
}

// NewHub returns a running Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		authorize:    cfg.Authorize,
		queueSize:    cfg.QueueSize,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		subs:         make(map[*subscription]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Publish delivers ev to every subscription matching channel. Delivery is
// asynchronous; a subscriber whose queue is full misses the event.
func (h *Hub) Publish(ctx context.Context, channel string, ev protocol.Event) error {
	if ev.Channel == "" {
		ev.Channel = channel
	}
	if ev.Type == "" {
		ev.Type = protocol.EventChanged
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.subs {
		if ok, _ := doublestar.Match(sub.pattern, channel); !ok {
			continue
		}
		select {
		case sub.queue <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Printf("Warning: queue full for %s, dropping event on %s", sub.pattern, channel)
		}
	}
	return nil
}

// Subscribe registers onMessage for events on channels matching pattern.
// The subscription ends when the returned function is called or ctx is
// done. onMessage runs on a dedicated goroutine, one event at a time.
func (h *Hub) Subscribe(ctx context.Context, pattern string, onMessage func(protocol.Event)) (func(), error) {
	sub, err := h.add(pattern, onMessage, nil)
	if err != nil {
		return nil, err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
			h.remove(sub)
		case <-sub.done:
		}
	}()
	return func() { h.remove(sub) }, nil
}

func (h *Hub) add(pattern string, deliver func(protocol.Event), conn *websocket.Conn) (*subscription, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid channel pattern %q", pattern)
	}
	sub := &subscription{
		pattern: pattern,
		deliver: deliver,
		conn:    conn,
		queue:   make(chan protocol.Event, h.queueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.wg.Add(1)
	go h.sendLoop(sub)

	h.logger.Printf("Subscribed to %s (total: %d)", pattern, count)
	return sub, nil
}

func (h *Hub) remove(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		count := len(h.subs)
		h.mu.Unlock()

		close(sub.done)
		if sub.conn != nil {
			_ = sub.conn.Close(websocket.StatusNormalClosure, "")
		}
		h.logger.Printf("Unsubscribed from %s (total: %d)", sub.pattern, count)
	})
}

func (h *Hub) sendLoop(sub *subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-h.ctx.Done():
			return
		case ev := <-sub.queue:
			if sub.deliver != nil {
				sub.deliver(ev)
				continue
			}
			if err := h.write(sub.conn, ev); err != nil {
				h.logger.Printf("Failed to send to subscriber: %v", err)
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request to a websocket subscribed to the pattern
// in the channel query parameter (default: the whole workspace). The scope
// comes from the request headers and must cover the pattern's workspace.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := protocol.ScopeFromHeaders(r.Header)
	pattern := r.URL.Query().Get("channel")
	if pattern == "" {
		pattern = protocol.WorkspacePattern(scope.WorkspaceID)
	}

	if err := scope.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if protocol.WorkspaceOf(pattern) != scope.WorkspaceID {
		http.Error(w, "channel outside workspace", http.StatusForbidden)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r.Context(), scope); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	if !doublestar.ValidatePattern(pattern) {
		http.Error(w, "invalid channel pattern", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub, err := h.add(pattern, nil, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.remove(sub)

	// Clients send nothing; reading surfaces disconnects.
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	h.cancel()
	for _, sub := range subs {
		if sub.conn != nil {
			_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		h.remove(sub)
	}
	h.wg.Wait()
	return nil
}
