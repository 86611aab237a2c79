package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/coder/websocket"

	"github.com/tasklytic/tasklytic/internal/protocol"
	"github.com/tasklytic/tasklytic/internal/sync"
)

// Client subscribes to a Hub over a websocket. A dropped connection is
// redialed with exponential backoff and the subscription re-established.
type Client struct {
	endpoint string
	scope    protocol.Scope
	logger   *log.Logger

	dialTimeout time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration

	connected atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithBackoff sets the reconnect delays.
func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.baseBackoff = base
		c.maxBackoff = max
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// NewClient returns a Client for the server at serverURL (http, https, ws
// or wss); the websocket endpoint is /ws below it.
func NewClient(serverURL string, scope protocol.Scope, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url %q: unsupported scheme", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	c := &Client{
		endpoint:    u.String(),
		scope:       scope,
		logger:      log.New(io.Discard, "", 0),
		dialTimeout: 10 * time.Second,
		baseBackoff: time.Second,
		maxBackoff:  time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Subscribe starts a background subscription to pattern. It returns once
// the subscription is started, not connected; onMessage is called for each
// event until the returned function is called or ctx is done.
func (c *Client) Subscribe(ctx context.Context, pattern string, onMessage func(protocol.Event)) (func(), error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid channel pattern %q", pattern)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.loop(ctx, pattern, onMessage)
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (c *Client) loop(ctx context.Context, pattern string, onMessage func(protocol.Event)) {
	backoff := sync.Backoff{Base: c.baseBackoff, Max: c.maxBackoff}
	for {
		err := c.session(ctx, pattern, onMessage, &backoff)
		if ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		c.logger.Printf("Realtime connection lost (retrying in %s): %v", delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context, pattern string, onMessage func(protocol.Event), backoff *sync.Backoff) error {
	header := http.Header{}
	c.scope.SetHeaders(header)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint+"?channel="+url.QueryEscape(pattern), &websocket.DialOptions{
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.connected.Store(true)
	defer c.connected.Store(false)
	backoff.Reset()
	c.logger.Printf("Realtime connected to %s", pattern)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("Ignoring malformed realtime event: %v", err)
			continue
		}
		onMessage(ev)
	}
}
