package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/models"
)

// Backfill runs when a follower's client (re)connects. For every active
// follow the reconnecting user has, it scans the master's currently
// open trades and synthesizes a master-position-opened dispatch for
// anything not already mirrored — so a follower who was offline when a
// master opened a position still gets it on reconnect, without
// replaying every historical trade.
//
// Debounced per follower: a second reconnect within the debounce window
// is a no-op, since the first backfill is either still running or just
// finished and nothing changed in between.
func (e *Engine) Backfill(ctx context.Context, followerID int) {
	e.backfillMu.Lock()
	if last, ok := e.lastBackfill[followerID]; ok && time.Since(last) < e.debounce {
		e.backfillMu.Unlock()
		return
	}
	e.lastBackfill[followerID] = time.Now()
	e.backfillMu.Unlock()

	follows, err := e.follows.FollowsByFollower(ctx, followerID)
	if err != nil {
		log.Error().Err(err).Int("follower_id", followerID).Msg("backfill: failed to load follows")
		return
	}

	for _, follow := range follows {
		e.backfillOneFollow(ctx, follow)
	}
}

func (e *Engine) backfillOneFollow(ctx context.Context, follow models.Follow) {
	master, err := e.users.ByID(ctx, follow.MasterID)
	if err != nil || master == nil {
		log.Error().Err(err).Int("master_id", follow.MasterID).Msg("backfill: master lookup failed")
		return
	}

	openTrades, err := e.trades.ListOpen(ctx, master.ID)
	if err != nil {
		log.Error().Err(err).Int("master_id", master.ID).Msg("backfill: failed to list master's open trades")
		return
	}

	for i := range openTrades {
		trade := &openTrades[i]
		existing, err := e.ledger.ByMasterTicket(ctx, follow.ID, trade.Ticket)
		if err != nil {
			log.Error().Err(err).Str("ticket", trade.Ticket).Msg("backfill: ledger lookup failed")
			continue
		}
		if existing != nil {
			continue // already mirrored or pending, nothing to backfill
		}
		hash := CopyHash(master.Username, trade.Ticket, trade.OpenTime.UTC().Format("2006-01-02T15:04:05"))
		e.openOneCopy(ctx, master, follow, trade, hash)
	}
}
