package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"copytrade-broker/internal/apperr"
	"copytrade-broker/internal/engine"
	"copytrade-broker/internal/events"
	"copytrade-broker/internal/models"
	"copytrade-broker/internal/utils"
)

// handlePositionsUpdate runs the critical state machine: upsert every
// reported position, then — only when the owner is a master whose
// command channel is presently attached and the payload claims the
// market is open — infer closures for tickets present in the trade
// store but absent from the snapshot. Upserts always precede closure
// diffing so a trade can never be seen closed-then-open within one
// batch.
func (r *Reconciler) handlePositionsUpdate(ctx context.Context, owner *models.User, raw json.RawMessage) error {
	var payload models.PositionsUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed positions_update payload", err)
	}

	existingTickets, err := r.trades.ListOpenTickets(ctx, owner.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to read open tickets", err)
	}

	snapshot := make(map[string]bool, len(payload.Positions))
	for i := range payload.Positions {
		p := &payload.Positions[i]
		_, alreadyOpen := existingTickets[p.Ticket]
		created, err := r.upsertPosition(ctx, owner, p, alreadyOpen)
		if err != nil {
			return err
		}
		snapshot[p.Ticket] = true
		if created {
			r.promoteIfMirrored(ctx, owner, p.Ticket, p.Comment)
		}
	}

	r.notifier.PositionsUpdated(owner.ID, payload.Positions)

	if !owner.IsMaster {
		return nil
	}

	masterConnected := r.dispatch.IsClientConnected(owner.ID)

	if len(payload.Positions) == 0 {
		if !payload.MarketOpen {
			log.Debug().Int("user_id", owner.ID).Msg("empty snapshot, market closed, no closure inferred")
			return nil
		}
		if !masterConnected {
			log.Debug().Int("user_id", owner.ID).Msg("empty snapshot, market open, master disconnected, no closure inferred")
			return nil
		}
		return r.closeAllOpen(ctx, owner)
	}

	if !payload.MarketOpen || !masterConnected {
		return nil
	}

	open, err := r.trades.ListOpenTickets(ctx, owner.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to list open tickets", err)
	}
	for ticket := range open {
		if snapshot[ticket] {
			continue
		}
		if err := r.closeTicket(ctx, owner, ticket); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) upsertPosition(ctx context.Context, owner *models.User, p *models.Position, alreadyOpen bool) (created bool, err error) {
	t := &models.Trade{
		OwnerID:       owner.ID,
		Ticket:        p.Ticket,
		Symbol:        utils.NormalizeSymbol(p.Symbol),
		Side:          models.SideFromRaw(p.Type),
		Volume:        p.Volume,
		OpenPrice:     p.OpenPrice,
		CurrentPrice:  p.CurrentPrice,
		SL:            p.SL,
		TP:            p.TP,
		UnrealizedPnL: p.Profit,
		OpenTime:      time.Unix(p.OpenTime, 0).UTC(),
	}
	if err := r.trades.UpsertOpen(ctx, t); err != nil {
		return false, apperr.Wrap(apperr.KindInfrastructure, "failed to upsert position", err)
	}

	if !alreadyOpen {
		if owner.IsMaster {
			r.bus.Publish(events.Event{Type: events.MasterPositionOpened, OwnerID: owner.ID, Trade: t})
		}
		return true, nil
	}
	return false, nil
}

// promoteIfMirrored links a pending copy trade (marking it executed) the moment the
// follower's own snapshot confirms the mirrored ticket is live, so
// execution doesn't depend solely on the client's trade_executed frame
// arriving (ingestion is the ground truth for what the follower holds).
// Ticket-based correlation is tried first; if nothing matches and the
// broker comment carries a CA:<hash> tag, that's the fallback — the
// same re-ticket-resilient anchor the close path uses.
func (r *Reconciler) promoteIfMirrored(ctx context.Context, owner *models.User, ticket, comment string) {
	ct, err := r.ledger.ByFollowerTicket(ctx, owner.ID, ticket)
	if (err != nil || ct == nil) && comment != "" {
		if prefix, ok := engine.ExtractHashPrefix(comment); ok {
			ct, err = r.ledger.ByHashPrefix(ctx, prefix)
		}
	}
	if err != nil || ct == nil || ct.Status != models.CopyPending {
		return
	}
	if err := r.ledger.LinkExecution(ctx, ct.ID, ticket, 0); err != nil {
		log.Error().Err(err).Int("copy_trade_id", ct.ID).Msg("failed to promote mirrored position to executed")
	}
}

func (r *Reconciler) closeTicket(ctx context.Context, owner *models.User, ticket string) error {
	trade, err := findTrade(ctx, r.trades, owner.ID, ticket)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	closePrice := trade.CurrentPrice
	if err := r.trades.Close(ctx, owner.ID, ticket, closePrice, trade.UnrealizedPnL, now); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to close trade", err)
	}
	r.bus.Publish(events.Event{Type: events.MasterPositionClosed, OwnerID: owner.ID, Ticket: ticket})
	return nil
}

func (r *Reconciler) closeAllOpen(ctx context.Context, owner *models.User) error {
	open, err := r.trades.ListOpen(ctx, owner.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "failed to list open trades for mass-clear", err)
	}
	now := time.Now().UTC()
	for _, t := range open {
		if err := r.trades.Close(ctx, owner.ID, t.Ticket, t.CurrentPrice, t.UnrealizedPnL, now); err != nil {
			return apperr.Wrap(apperr.KindInfrastructure, "failed to close trade during mass-clear", err)
		}
	}
	if len(open) > 0 {
		r.bus.Publish(events.Event{Type: events.MasterPositionsClosed, OwnerID: owner.ID})
	}
	return nil
}

// findTrade is a small helper over TradeStore since the narrow
// interface only exposes list operations plus FindByTicket is not part
// of the interface the reconciler needs elsewhere; ListOpen is used and
// filtered in-memory to avoid widening the interface for one lookup.
func findTrade(ctx context.Context, store TradeStore, ownerID int, ticket string) (*models.Trade, error) {
	open, err := store.ListOpen(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "failed to list open trades", err)
	}
	for i := range open {
		if open[i].Ticket == ticket {
			return &open[i], nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "trade not found for ticket "+ticket)
}
