package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	defaultPingPeriod = 54 * time.Second
	defaultReadLimit  = 32 << 10
)

// wsConn wraps one client connection. Writes go through a bounded send
// channel drained by writePump; a full channel drops the frame rather
// than blocking the tree's notification path.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (c *wsConn) TrySend(f []byte) error {
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
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *StoreWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return defaultPingPeriod
}

// pongWait is the read deadline refreshed by every pong: slightly more
// than one ping period, so a single lost pong drops the connection.
func (ctl *StoreWSController) pongWait() time.Duration {
	return ctl.pingPeriod() * 10 / 9
}

func (ctl *StoreWSController) readLimit() int64 {
	if ctl.ReadLimit > 0 {
		return ctl.ReadLimit
	}
	return defaultReadLimit
}

func (ctl *StoreWSController) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Info().Err(err).Str("module", "directory").Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "directory").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "directory").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *StoreWSController) readPump(ctx context.Context, st *clientState, c *wsConn) {
	defer func() {
		log.Info().Str("module", "directory").Str("sid", st.sid).Msg("readPump closing")
		ctl.dropClient(st, c)
	}()

	// Liveness: a silently dropped link must surface within one pong
	// window, not an OS TCP timeout, because remove-on-disconnect is
	// what speaker and presence crash recovery rides on.
	wait := ctl.pongWait()
	c.conn.SetReadLimit(ctl.readLimit())
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "directory").Str("sid", st.sid).Msg("readPump read error")
				return
			}
			ctl.handle(st, c, data)
		}
	}
}
