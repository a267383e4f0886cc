// Package events is the bounded domain event bus sitting between the
// ingestion reconciler and the replication engine, so an HTTP response
// to a client's positions_update frame never blocks on dispatching
// commands to followers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/models"
)

type Type string

const (
	MasterPositionOpened  Type = "master_position_opened"
	MasterPositionClosed  Type = "master_position_closed"
	MasterPositionsClosed Type = "master_positions_cleared"
	FollowerConnected     Type = "follower_connected"
	MasterConnected       Type = "master_connected"
	MasterDisconnected    Type = "master_disconnected"
)

// Event is the bus's single envelope type; only the field matching Type
// is populated.
type Event struct {
	Type      Type
	OwnerID   int
	Trade     *models.Trade
	Ticket    string
	Timestamp time.Time
}

// Handler processes one event. Implementations must not block
// indefinitely — a slow handler backs up the whole bus.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// Bus fans events from a bounded channel out across a fixed pool of N
// workers, since replication fan-out is the hot path here.
type Bus struct {
	queue    chan Event
	handler  Handler
	workers  int
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewBus(queueSize, workers int, handler Handler) *Bus {
	if workers <= 0 {
		workers = 1
	}
	return &Bus{
		queue:    make(chan Event, queueSize),
		handler:  handler,
		workers:  workers,
		shutdown: make(chan struct{}),
	}
}

// SetHandler rebinds the bus's handler. Used at startup to break the
// construction cycle between the session hub (which needs a bus to
// publish master connect/disconnect events) and the replication engine
// (which needs the hub to dispatch commands) — the bus is built first
// with no handler, the hub and engine are wired against it, and the
// engine is attached as the handler immediately before Start.
func (b *Bus) SetHandler(handler Handler) {
	b.handler = handler
}

func (b *Bus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.run()
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.shutdown:
			return
		case ev := <-b.queue:
			b.handler.Handle(context.Background(), ev)
		}
	}
}

// Publish never blocks: a full queue drops the event and logs rather
// than stalling ingestion. A dropped event is not re-emitted, since the
// reconciler publishes only on a state transition; a dropped
// master-position-opened reaches a follower only through backfill on
// that follower's next reconnect, and a dropped close is not recovered.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.queue <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Int("owner_id", ev.OwnerID).Msg("event bus full, dropping event")
	}
}

func (b *Bus) Stop() {
	close(b.shutdown)
	b.wg.Wait()
}
