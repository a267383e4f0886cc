// Package engine is the Replication Engine: it reacts to domain events
// from the ingestion reconciler by computing per-follow copy sizing,
// writing the ledger, and dispatching execute_trade/close_trade commands
// through the session hub.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/events"
	"copytrade-broker/internal/models"
)

// UserStore is the narrow read surface Engine needs to resolve a
// master's username for hash computation.
type UserStore interface {
	ByID(ctx context.Context, id int) (*models.User, error)
}

// FollowStore is the narrow surface over the Follow Graph.
type FollowStore interface {
	ActiveFollowsOf(ctx context.Context, masterID int) ([]models.Follow, error)
	FollowByID(ctx context.Context, id int) (*models.Follow, error)
	FollowsByFollower(ctx context.Context, followerID int) ([]models.Follow, error)
}

// ConnectionStore gives Engine the follower's latest account snapshot
// for risk-budget clamping.
type ConnectionStore interface {
	ConnectionByUser(ctx context.Context, userID int) (*models.MT5Connection, error)
}

// TradeStore is the narrow surface over the Trade Store Engine needs
// for backfill (enumerating a master's currently open trades).
type TradeStore interface {
	ListOpen(ctx context.Context, ownerID int) ([]models.Trade, error)
}

// Ledger is the narrow surface over the Copy-Trade Ledger.
type Ledger interface {
	CreatePending(ctx context.Context, ct *models.CopyTrade) error
	ByHash(ctx context.Context, hash string) (*models.CopyTrade, error)
	ByHashPrefix(ctx context.Context, prefix string) (*models.CopyTrade, error)
	ByFollowerTicket(ctx context.Context, followerID int, ticket string) (*models.CopyTrade, error)
	ByMasterTicket(ctx context.Context, followID int, masterTicket string) (*models.CopyTrade, error)
	LinkExecution(ctx context.Context, copyTradeID int, followerTicket string, followerTradeID int) error
	MarkClosed(ctx context.Context, copyTradeID int, at time.Time) error
	MarkFailed(ctx context.Context, copyTradeID int, reason string) error
	OpenCopyTradesForMasterTicket(ctx context.Context, masterTicket string) ([]models.CopyTrade, error)
	OpenCopyTradesForMaster(ctx context.Context, masterID int) ([]models.CopyTrade, error)
}

// Dispatcher is the narrow surface over the Client Session Hub that
// Engine dispatches commands through.
type Dispatcher interface {
	IsClientConnected(userID int) bool
	SendCommand(userID int, cmd models.Command) bool
}

// Notifier is the narrow surface over the Notification Bus.
type Notifier interface {
	CopyTradeExecuted(userID int, copyHash, ticket string)
	CopyTradeClosed(userID int, copyHash, ticket string)
	MasterStatusChange(followerIDs []int, masterID int, online bool)
}

type Engine struct {
	users        UserStore
	follows      FollowStore
	conns        ConnectionStore
	trades       TradeStore
	ledger       Ledger
	dispatcher   Dispatcher
	notifier     Notifier
	backfillMu   sync.Mutex
	lastBackfill map[int]time.Time
	debounce     time.Duration
}

func NewEngine(users UserStore, follows FollowStore, conns ConnectionStore, trades TradeStore,
	ledger Ledger, dispatcher Dispatcher, notifier Notifier, backfillDebounce time.Duration) *Engine {
	return &Engine{
		users:        users,
		follows:      follows,
		conns:        conns,
		trades:       trades,
		ledger:       ledger,
		dispatcher:   dispatcher,
		notifier:     notifier,
		lastBackfill: make(map[int]time.Time),
		debounce:     backfillDebounce,
	}
}

// Handle implements events.Handler.
func (e *Engine) Handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.MasterPositionOpened:
		e.handleMasterOpened(ctx, ev)
	case events.MasterPositionClosed:
		e.handleMasterClosed(ctx, ev)
	case events.MasterPositionsClosed:
		e.handleMasterPositionsCleared(ctx, ev)
	case events.FollowerConnected:
		e.Backfill(ctx, ev.OwnerID)
	case events.MasterConnected:
		e.handleMasterStatusChange(ctx, ev.OwnerID, true)
	case events.MasterDisconnected:
		e.handleMasterStatusChange(ctx, ev.OwnerID, false)
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("replication engine: unhandled event type dropped")
	}
}

func (e *Engine) handleMasterOpened(ctx context.Context, ev events.Event) {
	trade := ev.Trade
	master, err := e.users.ByID(ctx, ev.OwnerID)
	if err != nil || master == nil {
		log.Error().Err(err).Int("owner_id", ev.OwnerID).Msg("master lookup failed for position-opened event")
		return
	}

	follows, err := e.follows.ActiveFollowsOf(ctx, master.ID)
	if err != nil {
		log.Error().Err(err).Int("master_id", master.ID).Msg("failed to load follows for position-opened event")
		return
	}

	hash := CopyHash(master.Username, trade.Ticket, trade.OpenTime.UTC().Format("2006-01-02T15:04:05"))

	for _, follow := range follows {
		e.openOneCopy(ctx, master, follow, trade, hash)
	}
}

func (e *Engine) openOneCopy(ctx context.Context, master *models.User, follow models.Follow, trade *models.Trade, hash string) {
	followerConn, _ := e.conns.ConnectionByUser(ctx, follow.FollowerID)
	followerVolume := ResolveFollowerVolume(trade.Volume, follow, followerConn, trade.OpenPrice)

	ct := &models.CopyTrade{
		FollowID:       follow.ID,
		MasterTradeID:  trade.ID,
		MasterTicket:   trade.Ticket,
		Symbol:         trade.Symbol,
		Side:           trade.Side,
		MasterVolume:   trade.Volume,
		FollowerVolume: followerVolume,
		CopyRatio:      follow.CopyPercentage / 100.0,
		CopyHash:       hash,
	}
	if err := e.ledger.CreatePending(ctx, ct); err != nil {
		log.Error().Err(err).Str("copy_hash", hash).Msg("failed to create pending copy trade")
		return
	}

	if !e.dispatcher.IsClientConnected(follow.FollowerID) {
		log.Info().Int("follower_id", follow.FollowerID).Str("copy_hash", hash).
			Msg("follower client offline, copy left pending for backfill")
		return
	}

	cmd := models.Command{
		Type:      models.CommandExecuteTrade,
		Timestamp: time.Now().Unix(),
		Data: models.ExecuteTradeCommand{
			Symbol:       trade.Symbol,
			Type:         string(trade.Side),
			Volume:       followerVolume,
			SL:           trade.SL,
			TP:           trade.TP,
			MasterTrader: master.Username,
			MasterTicket: trade.Ticket,
			CopyTradeID:  ct.ID,
			CopyHash:     hash,
		},
	}
	if !e.dispatcher.SendCommand(follow.FollowerID, cmd) {
		_ = e.ledger.MarkFailed(ctx, ct.ID, "follower command queue unavailable")
	}
}

func (e *Engine) handleMasterClosed(ctx context.Context, ev events.Event) {
	master, err := e.users.ByID(ctx, ev.OwnerID)
	if err != nil || master == nil {
		log.Error().Err(err).Int("owner_id", ev.OwnerID).Msg("master lookup failed for position-closed event")
		return
	}

	copies, err := e.ledger.OpenCopyTradesForMasterTicket(ctx, ev.Ticket)
	if err != nil {
		log.Error().Err(err).Str("ticket", ev.Ticket).Msg("failed to load open copy trades for closed master ticket")
		return
	}

	for _, ct := range copies {
		follow, err := e.follows.FollowByID(ctx, ct.FollowID)
		if err != nil || follow == nil {
			continue
		}
		cmd := models.Command{
			Type:      models.CommandCloseTrade,
			Timestamp: time.Now().Unix(),
			Data: models.CloseTradeCommand{
				Ticket:       derefString(ct.FollowerTicket),
				Symbol:       ct.Symbol,
				MasterTrader: master.Username,
				Reason:       "master_closed",
				CopyTradeID:  ct.ID,
				CopyHash:     ct.CopyHash,
				MasterTicket: ct.MasterTicket,
			},
		}
		// Closure is never predicted in the ledger here; it only
		// transitions to closed once the client confirms trade_closed.
		e.dispatcher.SendCommand(follow.FollowerID, cmd)
	}
}

// handleMasterPositionsCleared is the mass-clear counterpart of
// handleMasterClosed: a master flattening every open position at once
// (e.g. end-of-day) still owes each follower a close_trade for every
// ledger row still executed under that master, not just the one ticket
// a per-position close would have named.
func (e *Engine) handleMasterPositionsCleared(ctx context.Context, ev events.Event) {
	master, err := e.users.ByID(ctx, ev.OwnerID)
	if err != nil || master == nil {
		log.Error().Err(err).Int("owner_id", ev.OwnerID).Msg("master lookup failed for positions-cleared event")
		return
	}

	copies, err := e.ledger.OpenCopyTradesForMaster(ctx, master.ID)
	if err != nil {
		log.Error().Err(err).Int("master_id", master.ID).Msg("failed to load open copy trades for mass-clear")
		return
	}

	for _, ct := range copies {
		follow, err := e.follows.FollowByID(ctx, ct.FollowID)
		if err != nil || follow == nil {
			continue
		}
		cmd := models.Command{
			Type:      models.CommandCloseTrade,
			Timestamp: time.Now().Unix(),
			Data: models.CloseTradeCommand{
				Ticket:       derefString(ct.FollowerTicket),
				Symbol:       ct.Symbol,
				MasterTrader: master.Username,
				Reason:       "master_mass_clear",
				CopyTradeID:  ct.ID,
				CopyHash:     ct.CopyHash,
				MasterTicket: ct.MasterTicket,
			},
		}
		e.dispatcher.SendCommand(follow.FollowerID, cmd)
	}
}

// handleMasterStatusChange fans a master-online/master-offline
// notification out to every follower currently following masterID.
func (e *Engine) handleMasterStatusChange(ctx context.Context, masterID int, online bool) {
	follows, err := e.follows.ActiveFollowsOf(ctx, masterID)
	if err != nil {
		log.Error().Err(err).Int("master_id", masterID).Msg("failed to load follows for master status change")
		return
	}
	if len(follows) == 0 {
		return
	}
	followerIDs := make([]int, len(follows))
	for i, f := range follows {
		followerIDs[i] = f.FollowerID
	}
	e.notifier.MasterStatusChange(followerIDs, masterID, online)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// OnClientConfirmation is wired into the session hub so every
// trade_executed/trade_closed frame updates the ledger. trade_executed
// is correlated by copy_hash only; trade_closed prefers copy_hash and
// falls back to the follower ticket the confirmation carries.
func (e *Engine) OnClientConfirmation(followerID int, c models.ClientConfirmation) {
	ctx := context.Background()
	switch c.Type {
	case models.ConfirmTradeExecuted:
		e.onTradeExecuted(ctx, followerID, c.Data)
	case models.ConfirmTradeClosed:
		e.onTradeClosed(ctx, followerID, c.Data)
	}
}

func (e *Engine) onTradeExecuted(ctx context.Context, followerID int, data models.ClientConfirmationData) {
	if !data.Success || data.CopyHash == "" {
		if data.CopyHash != "" {
			if ct, err := e.ledger.ByHash(ctx, data.CopyHash); err == nil && ct != nil {
				_ = e.ledger.MarkFailed(ctx, ct.ID, data.Error)
			}
		}
		return
	}
	ct, err := e.ledger.ByHash(ctx, data.CopyHash)
	if err != nil || ct == nil {
		log.Warn().Str("copy_hash", data.CopyHash).Msg("trade_executed confirmation for unknown copy hash")
		return
	}
	// follower_trade_id is resolved from the trade row the reconciler
	// already upserted for this ticket by the time this frame arrives.
	if err := e.ledger.LinkExecution(ctx, ct.ID, data.Ticket, 0); err != nil {
		log.Error().Err(err).Int("copy_trade_id", ct.ID).Msg("failed to link execution")
		return
	}
	e.notifier.CopyTradeExecuted(followerID, ct.CopyHash, data.Ticket)
}

func (e *Engine) onTradeClosed(ctx context.Context, followerID int, data models.ClientConfirmationData) {
	var ct *models.CopyTrade
	var err error

	if data.CopyHash != "" {
		ct, err = e.ledger.ByHash(ctx, data.CopyHash)
	}
	if ct == nil && data.Ticket != "" {
		ct, err = e.ledger.ByFollowerTicket(ctx, followerID, data.Ticket)
	}
	if err != nil || ct == nil {
		log.Warn().Str("ticket", data.Ticket).Str("copy_hash", data.CopyHash).
			Msg("trade_closed confirmation did not correlate to any ledger record")
		return
	}

	if err := e.ledger.MarkClosed(ctx, ct.ID, time.Now()); err != nil {
		log.Error().Err(err).Int("copy_trade_id", ct.ID).Msg("failed to mark copy trade closed")
		return
	}
	e.notifier.CopyTradeClosed(followerID, ct.CopyHash, data.Ticket)
}
