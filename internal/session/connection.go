package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// conn wraps one upgraded websocket connection with a bounded outbound
// queue and a single writer goroutine, mirroring the connMutex-guarded
// write pattern the upstream client used for its outbound dialer —
// inverted here since the hub now owns inbound server-side connections.
type conn struct {
	ws       *websocket.Conn
	outbound chan interface{}
	done     chan struct{}
	closeOne sync.Once
	userID   int
}

func newConn(ws *websocket.Conn, userID, queueSize int) *conn {
	return &conn{
		ws:       ws,
		outbound: make(chan interface{}, queueSize),
		done:     make(chan struct{}),
		userID:   userID,
	}
}

// enqueue never blocks. A full queue means the peer isn't draining —
// the caller forces a detach rather than letting writers pile up.
func (c *conn) enqueue(msg interface{}) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Int("user_id", c.userID).Msg("write failed, closing connection")
				c.close()
				return
			}
		}
	}
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop passes each inbound frame to handle until a read fails (the
// socket closed or c.close was called), then closes c.
func (c *conn) readLoop(handle func(raw json.RawMessage)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close()
			return
		}
		handle(data)
	}
}

func (c *conn) close() {
	c.closeOne.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
