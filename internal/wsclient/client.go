// Package wsclient is a websocket client for the realtime protocol. It is
// used by the load test and by integration tests. It connects with gobwas/ws,
// waits for connection.ready and tracks per-connection metrics.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/heartline/matchcore/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	ReadyLatency     time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	conn   net.Conn
	userID string
	start  time.Time
	refSeq atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to rawURL, passing token as the token query parameter so
// the server authenticates during the upgrade.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parse url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}

	c := &Client{
		conn:     conn,
		start:    start,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes a client frame of msgType. Fields of payload are merged into
// the frame; a ref is assigned when payload does not carry one. It returns
// the ref.
func (c *Client) Send(msgType string, payload map[string]any) (string, error) {
	frame := map[string]any{"type": msgType}
	for k, v := range payload {
		frame[k] = v
	}
	ref, _ := frame["ref"].(string)
	if ref == "" {
		ref = strconv.FormatUint(c.refSeq.Add(1), 10)
		frame["ref"] = ref
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("wsclient: marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return ref, err
}

// On registers the handler for a server frame type, replacing any earlier
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitReady blocks until the server has sent connection.ready.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("wsclient: connection closed before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the user id from connection.ready, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Done is closed once the connection has stopped reading.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeReady {
			var ready protocol.ReadyMsg
			if err := json.Unmarshal(data, &ready); err == nil {
				c.userID = ready.UserID
			}
			c.metrics.ReadyLatency = time.Since(c.start)
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeReady {
			c.readyOnce.Do(func() { close(c.ready) })
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
