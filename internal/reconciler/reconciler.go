// Package reconciler is the Ingestion Reconciler: it consumes a client's
// typed /api/ea/data payloads, diffs them against the Trade Store and
// MT5Connection cache, and emits domain events for the Replication
// Engine to act on. All ingestion for one owner is serialized through a
// per-owner lock so the upsert-before-diff invariant holds across a
// single snapshot's reconciliation.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/events"
	"copytrade-broker/internal/models"
)

// UserStore is the narrow read surface Reconciler needs to tell masters
// from followers.
type UserStore interface {
	ByID(ctx context.Context, id int) (*models.User, error)
}

// TradeStore is the narrow surface over the Trade Store.
type TradeStore interface {
	UpsertOpen(ctx context.Context, t *models.Trade) error
	Close(ctx context.Context, ownerID int, ticket string, closePrice, realizedPnL float64, closeTime time.Time) error
	ListOpen(ctx context.Context, ownerID int) ([]models.Trade, error)
	ListOpenTickets(ctx context.Context, ownerID int) (map[string]bool, error)
	ListAll(ctx context.Context, ownerID int, limit int) ([]models.Trade, error)
	InsertHistorical(ctx context.Context, t *models.Trade, closePrice, realizedPnL float64) (bool, error)
}

// ConnectionStore is the narrow surface over the MT5Connection cache.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, c *models.MT5Connection) error
	SetConnected(ctx context.Context, userID int, connected bool) error
	ConnectionByUser(ctx context.Context, userID int) (*models.MT5Connection, error)
}

// Ledger is the narrow surface over the Copy-Trade Ledger the
// reconciler needs: promoting a pending copy trade to executed once the
// follower's own snapshot shows the mirrored ticket live.
type Ledger interface {
	ByFollowerTicket(ctx context.Context, followerID int, ticket string) (*models.CopyTrade, error)
	ByHashPrefix(ctx context.Context, prefix string) (*models.CopyTrade, error)
	LinkExecution(ctx context.Context, copyTradeID int, followerTicket string, followerTradeID int) error
}

// Dispatcher exposes only the liveness check the connectedness gate
// needs; the reconciler never sends commands itself.
type Dispatcher interface {
	IsClientConnected(userID int) bool
}

// EventPublisher is the narrow surface over the domain event bus.
type EventPublisher interface {
	Publish(ev events.Event)
}

// Notifier is the narrow surface over the Notification Bus's
// ingestion-facing pushes.
type Notifier interface {
	PositionsUpdated(userID int, positions []models.Position)
	AccountUpdated(userID int, stats models.AccountStats)
	MarginWarning(userID int, marginLevel float64)
	TradesSynced(userID int, count int)
}

type Reconciler struct {
	users    UserStore
	trades   TradeStore
	conns    ConnectionStore
	ledger   Ledger
	dispatch Dispatcher
	bus      EventPublisher
	notifier Notifier

	locksMu sync.Mutex
	locks   map[int]*ownerLock
}

// ownerLock pairs the per-owner serialization mutex with the time it
// was last handed out, so an idle owner's lock can be reaped without
// racing a reconciliation that holds it.
type ownerLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

func New(users UserStore, trades TradeStore, conns ConnectionStore, ledger Ledger,
	dispatch Dispatcher, bus EventPublisher, notifier Notifier) *Reconciler {
	return &Reconciler{
		users:    users,
		trades:   trades,
		conns:    conns,
		ledger:   ledger,
		dispatch: dispatch,
		bus:      bus,
		notifier: notifier,
		locks:    make(map[int]*ownerLock),
	}
}

// lockFor returns the per-owner lock, creating it on first use.
func (r *Reconciler) lockFor(ownerID int) *ownerLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[ownerID]
	if !ok {
		lock = &ownerLock{}
		r.locks[ownerID] = lock
	}
	lock.lastUsed = time.Now()
	return lock
}

// ReapIdleLocks drops every owner lock not used within maxIdle, called
// periodically from internal/maintenance. An owner whose lock is
// reaped simply gets a fresh one on its next ingestion frame.
func (r *Reconciler) ReapIdleLocks(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	reaped := 0
	for ownerID, lock := range r.locks {
		if lock.lastUsed.Before(cutoff) && lock.mu.TryLock() {
			lock.mu.Unlock()
			delete(r.locks, ownerID)
			reaped++
		}
	}
	return reaped
}

// Reconcile is the single entry point for /api/ea/data. It serializes on
// owner so a burst of snapshots for the same user can never interleave,
// while snapshots from different owners proceed fully in parallel.
func (r *Reconciler) Reconcile(ctx context.Context, owner *models.User, envelope models.EADataEnvelope) error {
	lock := r.lockFor(owner.ID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	switch envelope.Type {
	case models.EATypeConnectionStatus:
		return r.handleConnectionStatus(ctx, owner)
	case models.EATypeAccountUpdate:
		return r.handleAccountUpdate(ctx, owner, envelope.Data)
	case models.EATypePositionsUpdate:
		return r.handlePositionsUpdate(ctx, owner, envelope.Data)
	case models.EATypeHistoryUpdate:
		return r.handleHistoryUpdate(ctx, owner, envelope.Data)
	case models.EATypeOrdersUpdate:
		// Pending order state is not modeled as first-class state; the
		// broker-side order book is out of scope.
		return nil
	default:
		return apperr.New(apperr.KindValidation, "unknown ea data type: "+envelope.Type)
	}
}

func (r *Reconciler) handleConnectionStatus(ctx context.Context, owner *models.User) error {
	if err := r.conns.SetConnected(ctx, owner.ID, true); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to record connection status", err)
	}
	log.Info().Int("user_id", owner.ID).Msg("client reported connection status")
	return nil
}
