// Package wsclient is the frontend-side WebSocket client for the daemon's
// /ws endpoint: it dials the Unix socket (or a URL), re-subscribes after
// every reconnect, and delivers pushed events on a channel.
package wsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	reconnectFloor   = time.Second
	reconnectCeiling = 30 * time.Second
	eventBuffer      = 64
)

// Options configure the client. SocketPath is the default transport; URL
// overrides it for TCP or tailnet daemons.
type Options struct {
	SocketPath string
	URL        string

	// Subscribe is sent after every (re)connect so the server restores the
	// client's filters and replays the initial snapshot.
	Subscribe *protocol.WSClientMessage

	Logger *slog.Logger
}

// Client maintains a connection to the daemon with automatic reconnect.
type Client struct {
	opts   Options
	log    *slog.Logger
	events chan protocol.WSEvent

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client. Call Run to connect.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:   opts,
		log:    log,
		events: make(chan protocol.WSEvent, eventBuffer),
	}
}

// Events is the stream of frames pushed by the daemon. Closed when Run
// returns.
func (c *Client) Events() <-chan protocol.WSEvent { return c.events }

// Run connects and reads until ctx is cancelled, redialing with backoff
// after every failure. Always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := ReconnectDelay(failures)
			failures++
			c.log.Warn("daemon dial failed, retrying", "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.setConn(conn)
		if sub := c.opts.Subscribe; sub != nil {
			if err := c.Send(ctx, *sub); err != nil {
				c.log.Warn("subscribe failed", "error", err)
			}
		}

		c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Send writes one client frame. Fails when not connected.
func (c *Client) Send(ctx context.Context, msg protocol.WSClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := c.opts.URL
	opts := &websocket.DialOptions{}
	if url == "" {
		// HTTP over a Unix socket: the URL host is a placeholder, the
		// transport dials the socket.
		path := c.opts.SocketPath
		url = "ws://teleclaude/ws"
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("daemon connection lost, reconnecting", "error", err)
			}
			return
		}

		var ev protocol.WSEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue // malformed frame
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// ReconnectDelay computes the wait after n consecutive failures:
// min(30s, 1s·2^n) with ±30% jitter.
func ReconnectDelay(failures int) time.Duration {
	base := reconnectFloor
	for i := 0; i < failures; i++ {
		base *= 2
		if base >= reconnectCeiling {
			base = reconnectCeiling
			break
		}
	}

	span := int64(base) * 6 / 10
	d := base - time.Duration(int64(base)*3/10)
	if span > 0 {
		d += time.Duration(rand.Int64N(span + 1))
	}
	return d
}
