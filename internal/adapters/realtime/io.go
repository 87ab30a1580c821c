package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/gorilla/websocket"
)

var ErrBackpressure = errors.New("backpressure")

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *Client) writePump(ctx context.Context, conn *wsConn) {
	ping := time.NewTicker(c.cfg.PingPeriod)
	defer ping.Stop()
	pingFrame, _ := core.Encode(core.EventPing, nil)

	write := func(data []byte) bool {
		if err := conn.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
			c.logger.Error().Err(err).Msg("writePump set deadline")
			return false
		}
		if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Error().Err(err).Msg("writePump write error")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			if !write(data) {
				conn.Close()
				return
			}
		case <-ping.C:
			if !write(pingFrame) {
				conn.Close()
				return
			}
		}
	}
}

// readPump is the single reader of conn. Any inbound message counts as
// liveness; silence longer than PongWait drops the connection.
func (c *Client) readPump(ctx context.Context, conn *wsConn) error {
	extend := func() error {
		return conn.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
	if err := extend(); err != nil {
		return err
	}
	conn.conn.SetPongHandler(func(string) error { return extend() })

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()

		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		switch env.Type {
		case core.EventPong:
		case core.EventOnlineUsers:
			c.mu.Lock()
			roster := c.roster
			c.mu.Unlock()
			roster.offer(env)
		default:
			c.push(env)
		}
	}
}
