// Package session is the Client Session Hub: it owns every live duplex
// connection from a desktop client (the command channel) and every live
// push connection to a browser tab (the UI channel), and is the single
// place both the HTTP ingestion path and the websocket read loops are
// allowed to mutate connection state from.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/events"
	"copytrade-broker/internal/models"
)

type Hub struct {
	mu            sync.RWMutex
	clientConns   map[int]*conn
	uiConns       map[int][]*conn
	queueSize     int
	heartbeat     time.Duration
	bus           *events.Bus
	onConfirm     func(userID int, c models.ClientConfirmation)
}

func NewHub(queueSize int, heartbeat time.Duration, bus *events.Bus) *Hub {
	return &Hub{
		clientConns: make(map[int]*conn),
		uiConns:     make(map[int][]*conn),
		queueSize:   queueSize,
		heartbeat:   heartbeat,
		bus:         bus,
	}
}

// OnConfirmation registers the callback invoked for every trade_executed
// / trade_closed frame a client sends back. The replication engine wires
// itself in here at startup.
func (h *Hub) OnConfirmation(fn func(userID int, c models.ClientConfirmation)) {
	h.onConfirm = fn
}

// AttachClient registers userID's command-channel connection, replacing
// any prior one, and starts its read/write/heartbeat loops.
func (h *Hub) AttachClient(ws *websocket.Conn, userID int, isMaster bool) {
	c := newConn(ws, userID, h.queueSize)

	h.mu.Lock()
	if old, exists := h.clientConns[userID]; exists {
		old.close()
	}
	h.clientConns[userID] = c
	h.mu.Unlock()

	go c.writeLoop()
	go c.pingLoop(h.heartbeat)
	go c.readLoop(func(raw json.RawMessage) {
		h.handleConfirmation(userID, raw)
	})
	// A channel that closes on its own (read, write or ping failure, or a
	// full queue) is dropped from the table; one already replaced by a
	// newer attach is left alone.
	go func() {
		<-c.done
		h.mu.Lock()
		current := h.clientConns[userID] == c
		if current {
			delete(h.clientConns, userID)
		}
		h.mu.Unlock()
		if current && isMaster && h.bus != nil {
			h.bus.Publish(events.Event{Type: events.MasterDisconnected, OwnerID: userID})
		}
	}()

	log.Info().Int("user_id", userID).Bool("is_master", isMaster).Msg("client command channel attached")

	if h.bus == nil {
		return
	}
	if isMaster {
		h.bus.Publish(events.Event{Type: events.MasterConnected, OwnerID: userID})
	} else {
		h.bus.Publish(events.Event{Type: events.FollowerConnected, OwnerID: userID})
	}
}

func (h *Hub) DetachClient(userID int, isMaster bool) {
	h.mu.Lock()
	c, exists := h.clientConns[userID]
	if exists {
		delete(h.clientConns, userID)
	}
	h.mu.Unlock()

	if exists {
		c.close()
	}

	if isMaster && h.bus != nil {
		h.bus.Publish(events.Event{Type: events.MasterDisconnected, OwnerID: userID})
	}
}

func (h *Hub) IsClientConnected(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clientConns[userID]
	return ok
}

// SendCommand dispatches a command frame to userID's client channel. It
// reports false if the client isn't connected or its queue is full; a
// full queue forces the connection closed so a stuck client doesn't
// silently swallow future commands.
func (h *Hub) SendCommand(userID int, cmd models.Command) bool {
	h.mu.RLock()
	c, ok := h.clientConns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.enqueue(cmd) {
		log.Warn().Int("user_id", userID).Msg("command queue full, force-detaching client")
		c.close()
		return false
	}
	return true
}

func (h *Hub) handleConfirmation(userID int, raw json.RawMessage) {
	var c models.ClientConfirmation
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Warn().Err(err).Int("user_id", userID).Msg("malformed client confirmation frame")
		return
	}
	if h.onConfirm != nil {
		h.onConfirm(userID, c)
	}
}

// AttachUI registers a browser push connection. A user may have several
// open tabs, so UI connections fan out rather than replace.
func (h *Hub) AttachUI(ws *websocket.Conn, userID int) {
	c := newConn(ws, userID, h.queueSize)

	h.mu.Lock()
	h.uiConns[userID] = append(h.uiConns[userID], c)
	h.mu.Unlock()

	go c.writeLoop()
	go c.pingLoop(h.heartbeat)
	go c.readLoop(func(json.RawMessage) {}) // UI channel is push-only; drain and discard.

	go func() {
		<-c.done
		h.detachUI(userID, c)
	}()
}

func (h *Hub) detachUI(userID int, target *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.uiConns[userID]
	for i, c := range conns {
		if c == target {
			h.uiConns[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.uiConns[userID]) == 0 {
		delete(h.uiConns, userID)
	}
}

// PushToUI fans msg out to every open tab for userID. Missing
// connections are not an error — the UI channel is best-effort.
func (h *Hub) PushToUI(userID int, msg models.UIMessage) {
	h.mu.RLock()
	conns := append([]*conn(nil), h.uiConns[userID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(msg) {
			log.Warn().Int("user_id", userID).Msg("ui queue full, force-detaching tab")
			c.close()
		}
	}
}

func (h *Hub) ActiveClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientConns)
}

func (h *Hub) ActiveUITabCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.uiConns {
		n += len(conns)
	}
	return n
}
