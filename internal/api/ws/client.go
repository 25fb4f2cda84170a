package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

// Client is one WebSocket connection. Outbound frames go through a bounded
// queue that drops the oldest frame when full, so a slow viewer never
// stalls a PTY.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	cid := id.NewConnectionID().String()
	c := &Client{
		id:     cid,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.settings.SendQueue),
		done:   make(chan struct{}),
		logger: hub.logger.With(logging.ConnID(cid)),
	}
	if hub.settings.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(hub.settings.MessageRate), hub.settings.MessageBurst)
	}
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// enqueue queues a frame, evicting the oldest queued frame if needed.
// It reports false once the client is closed.
func (c *Client) enqueue(frame []byte) bool {
	for {
		select {
		case <-c.done:
			return false
		default:
		}

		select {
		case c.send <- frame:
			return true
		default:
		}

		select {
		case <-c.send:
			c.hub.metrics.IncWSFramesDropped()
		default:
		}
	}
}

// close stops the write pump, which closes the connection.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.settings.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(msgType int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.settings.WriteTimeout))
		return c.conn.WriteMessage(msgType, data)
	}

	for {
		select {
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			if err := write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump runs on the handler goroutine until the connection ends.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	pongWait := 2 * c.hub.settings.PingInterval
	c.conn.SetReadLimit(c.hub.settings.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}
		// Any inbound frame proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.sendError(c, "", "rate limit exceeded")
			continue
		}
		c.hub.dispatch(c, data)
	}
}
