// Package client is a Go client for the terminal control plane.
//
// A Client keeps one WebSocket connection open, reconnecting with capped
// exponential backoff when it drops. Terminals the client was attached to
// are reattached after a reconnect. Once the attempts are exhausted the
// client stops and Err returns ErrDisconnected.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/shared/id"
	"github.com/GriffinCanCode/termhost/internal/shared/protocol"
)

var (
	// ErrDisconnected means the connection was lost and could not be
	// re-established.
	ErrDisconnected = errors.New("disconnected from terminal service")
	// ErrClosed means Close was called.
	ErrClosed = errors.New("client closed")
	// ErrNotConnected is returned by sends made while reconnecting.
	ErrNotConnected = errors.New("not connected")
)

// Options configures a Client.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// MaxAttempts caps reconnect attempts per outage.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// DefaultOptions returns options for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:            url,
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Handler receives every frame from the server, in order, on the client's
// read goroutine.
type Handler func(env protocol.Envelope)

// Client is a reconnecting control-plane connection.
type Client struct {
	opts    Options
	handler Handler
	logger  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	attached map[string]struct{}
	// pending holds request ids of creates still waiting for their
	// terminal:created.
	pending map[string]struct{}
	closed  bool
	err     error

	done chan struct{}
}

// Dial connects to the server. The first connection is not retried.
func Dial(ctx context.Context, opts Options, handler Handler) (*Client, error) {
	def := DefaultOptions(opts.URL)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if handler == nil {
		handler = func(protocol.Envelope) {}
	}

	c := &Client{
		opts:     opts,
		handler:  handler,
		logger:   opts.Logger.With(zap.String("url", opts.URL)),
		attached: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.run(conn)
	return c, nil
}

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped: ErrClosed or ErrDisconnected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Send writes one frame.
func (c *Client) Send(msgType string, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, stopErr := c.conn, c.err
	if c.closed && stopErr == nil {
		stopErr = ErrClosed
	}
	c.mu.Unlock()

	if stopErr != nil {
		return stopErr
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

// Create asks the server for a new terminal and returns the request id the
// server will echo. The result arrives as a terminal:created frame; the
// created terminal is attached the same way Attach would, so it survives
// reconnects.
func (c *Client) Create(p protocol.CreatePayload) (string, error) {
	if p.RequestID == "" {
		p.RequestID = id.NewRequestID().String()
	}
	c.mu.Lock()
	c.pending[p.RequestID] = struct{}{}
	c.mu.Unlock()

	if err := c.Send(protocol.TypeCreate, p); err != nil {
		c.mu.Lock()
		delete(c.pending, p.RequestID)
		c.mu.Unlock()
		return "", err
	}
	return p.RequestID, nil
}

// Attach subscribes to a terminal's output, and keeps it subscribed across
// reconnects.
func (c *Client) Attach(tid string) error {
	c.mu.Lock()
	c.attached[tid] = struct{}{}
	c.mu.Unlock()
	return c.Send(protocol.TypeAttach, protocol.TerminalIDPayload{TerminalID: tid})
}

// Detach drops this client's subscription.
func (c *Client) Detach(tid string) error {
	c.forget(tid)
	return c.Send(protocol.TypeDetach, protocol.TerminalIDPayload{TerminalID: tid})
}

func (c *Client) Input(tid, data string) error {
	return c.Send(protocol.TypeInput, protocol.InputPayload{TerminalID: tid, Data: data})
}

func (c *Client) Resize(tid string, cols, rows int) error {
	return c.Send(protocol.TypeResize, protocol.ResizePayload{TerminalID: tid, Cols: cols, Rows: rows})
}

func (c *Client) Rename(tid, name string) error {
	return c.Send(protocol.TypeRename, protocol.RenamePayload{TerminalID: tid, Name: name})
}

func (c *Client) Destroy(tid string) error {
	c.forget(tid)
	return c.Send(protocol.TypeDestroy, protocol.TerminalIDPayload{TerminalID: tid})
}

func (c *Client) forget(tid string) {
	c.mu.Lock()
	delete(c.attached, tid)
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// run reads frames until the connection drops, then reconnects.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.read(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.stop(ErrClosed)
			return
		}

		next, err := c.reconnect()
		if err != nil {
			c.stop(err)
			return
		}
		conn = next
	}
}

func (c *Client) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("Connection lost", zap.Error(err))
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Ignoring malformed frame", zap.Error(err))
			continue
		}
		c.observe(env)
		c.handler(env)
	}
}

// observe keeps the attached set in line with what the server reports.
func (c *Client) observe(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCreated:
		var p protocol.CreatedPayload
		if protocol.DecodePayload(env, &p) == nil && p.RequestID != "" {
			c.mu.Lock()
			if _, ok := c.pending[p.RequestID]; ok {
				delete(c.pending, p.RequestID)
				c.attached[p.Terminal.ID] = struct{}{}
			}
			c.mu.Unlock()
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if protocol.DecodePayload(env, &p) == nil && p.RequestID != "" {
			c.mu.Lock()
			delete(c.pending, p.RequestID)
			c.mu.Unlock()
		}
	case protocol.TypeDetached:
		// The server lost its local client; ask for a new one.
		var p protocol.TerminalIDPayload
		if protocol.DecodePayload(env, &p) != nil {
			return
		}
		c.mu.Lock()
		_, ok := c.attached[p.TerminalID]
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := c.Send(protocol.TypeAttach, p); err != nil {
			c.logger.Warn("Failed to reattach", logging.TerminalID(p.TerminalID), zap.Error(err))
		}
	case protocol.TypeDestroyed:
		var p protocol.TerminalIDPayload
		if protocol.DecodePayload(env, &p) == nil {
			c.forget(p.TerminalID)
		}
	case protocol.TypeExit:
		var p protocol.ExitPayload
		if protocol.DecodePayload(env, &p) == nil {
			c.forget(p.TerminalID)
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	backoff := c.opts.InitialBackoff
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		<-timer.C

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.MaxBackoff)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.logger.Info("Reconnected", zap.Int("attempt", attempt))
			if err := c.resume(conn); err != nil {
				return nil, err
			}
			return conn, nil
		}
		c.logger.Warn("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
	return nil, ErrDisconnected
}

// resume installs a fresh connection and reattaches subscriptions.
func (c *Client) resume(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	ids := make([]string, 0, len(c.attached))
	for tid := range c.attached {
		ids = append(ids, tid)
	}
	c.mu.Unlock()

	for _, tid := range ids {
		if err := c.Send(protocol.TypeAttach, protocol.TerminalIDPayload{TerminalID: tid}); err != nil {
			c.logger.Warn("Failed to reattach", logging.TerminalID(tid), zap.Error(err))
		}
	}
	return nil
}

func (c *Client) stop(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
