package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 64 * 1024

	// DefaultQueueDepth is the outbound queue size used when none is configured.
	DefaultQueueDepth = 256
)

// Client is one WebSocket connection with a bounded outbound queue drained by its
// own write goroutine. Enqueue never blocks.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(id string, conn *websocket.Conn, queueDepth int, log *zap.Logger) *Client {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, queueDepth),
		log:  log,
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go c.writePump()
	return c
}

// Enqueue queues frame for writing. It reports false when the queue is full.
// Frames for a closed client are discarded.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Drop closes the connection with a policy-violation close frame. Safe to call
// from any goroutine, any number of times.
func (c *Client) Drop(reason string) {
	c.Close(websocket.ClosePolicyViolation, reason)
}

// Close stops the client. The write pump flushes queued frames, sends a close
// frame with code and reason, and closes the socket.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once the client starts closing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadFrame waits at most timeout for one message. Used during authentication.
func (c *Client) ReadFrame(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

// ReadLoop reads messages until the connection fails, calling fn for each one on
// the calling goroutine.
func (c *Client) ReadLoop(fn func([]byte)) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("Error reading from client", zap.Error(err))
			} else {
				c.log.Debug("Client closed connection", zap.Error(err))
			}
			return
		}
		fn(msg)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Write error", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("Ping error", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// flush writes frames already queued when the client closed, best effort.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
