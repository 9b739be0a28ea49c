package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is closed in that case.
	ErrSlowConsumer = errors.New("connection send buffer full")
)

const writeTimeout = 10 * time.Second

// wsConn is the Handle of one WebSocket connection. Outbound frames are
// queued on a bounded channel drained by writeLoop.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newWSConn(ws *websocket.Conn, buffer int, cancel context.CancelFunc) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, buffer),
		cancel: cancel,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send encodes ev and queues it without blocking.
func (c *wsConn) Send(ev Outbound) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked()
		c.cancel()
		return ErrSlowConsumer
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsConn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writeLoop drains the send queue and pings the peer until the queue is
// closed or ctx ends.
func (c *wsConn) writeLoop(ctx context.Context, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "conn_id", c.id, "error", err)
				}
				c.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "conn_id", c.id, "error", err)
				c.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
